// Package records implements the task executors that apply academic record
// operations (create, update, delete) and the compensating rollback
// executor that undoes them when a task fails permanently.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

// Task types handled by this service.
const (
	TypeRecordCreate = "record_create"
	TypeRecordUpdate = "record_update"
	TypeRecordDelete = "record_delete"
)

// Rollback actions carried in a rollback task's payload.
const (
	rollbackActionDelete  = "delete"
	rollbackActionRestore = "restore"
)

// Service executes record tasks against the record store.
type Service struct {
	records  store.RecordStore
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService creates a record task service.
func NewService(records store.RecordStore, logger *slog.Logger) *Service {
	return &Service{
		records:  records,
		validate: validator.New(),
		logger:   logger.With("component", "records"),
	}
}

// RegisterExecutors binds this service's executors into the registry,
// including the rollback executor.
func (s *Service) RegisterExecutors(registry *scheduler.ExecutorRegistry) {
	registry.Register(TypeRecordCreate, s.executeCreate)
	registry.Register(TypeRecordUpdate, s.executeUpdate)
	registry.Register(TypeRecordDelete, s.executeDelete)
	registry.Register(scheduler.TypeRollback, s.executeRollback)
}

// SeedPriorities installs the default urgency for each record task type.
// Deletions run ahead of updates and creations; rollbacks are injected at
// the highest urgency by the scheduler itself.
func (s *Service) SeedPriorities(priorities *scheduler.PriorityMap) {
	priorities.SetPriority(TypeRecordCreate, 4)
	priorities.SetPriority(TypeRecordUpdate, 5)
	priorities.SetPriority(TypeRecordDelete, 3)
	priorities.SetPriority(scheduler.TypeRollback, scheduler.PriorityHighest)
}

type createPayload struct {
	Collection string          `json:"collection" validate:"required"`
	RecordID   string          `json:"record_id"`
	Document   json.RawMessage `json:"document"   validate:"required"`
}

type updatePayload struct {
	RecordID string          `json:"record_id" validate:"required"`
	Document json.RawMessage `json:"document"  validate:"required"`
}

type deletePayload struct {
	RecordID string `json:"record_id" validate:"required"`
}

type rollbackPayload struct {
	Action         string          `json:"action"     validate:"required,oneof=delete restore"`
	RecordID       string          `json:"record_id"  validate:"required"`
	Collection     string          `json:"collection"`
	Document       json.RawMessage `json:"document"`
	OriginalTaskID string          `json:"original_task_id"`
}

func (s *Service) executeCreate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p createPayload
	if err := s.decode(payload, &p); err != nil {
		return nil, err
	}

	id := p.RecordID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := &store.Record{
		ID:         id,
		Collection: p.Collection,
		Document:   p.Document,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// At-least-once delivery: a repeated attempt after a crashed
			// completion write is a success, not a failure.
			s.logger.Info("record already exists, treating create as done",
				"record_id", id,
				"collection", p.Collection)
			return json.Marshal(map[string]string{"record_id": id})
		}
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	s.logger.Info("record created", "record_id", id, "collection", p.Collection)
	return json.Marshal(map[string]string{"record_id": id})
}

func (s *Service) executeUpdate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p updatePayload
	if err := s.decode(payload, &p); err != nil {
		return nil, err
	}

	previous, err := s.records.UpdateRecord(ctx, p.RecordID, p.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	s.logger.Info("record updated", "record_id", p.RecordID, "collection", previous.Collection)
	return json.Marshal(map[string]any{
		"record_id":         p.RecordID,
		"previous_document": previous.Document,
	})
}

func (s *Service) executeDelete(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p deletePayload
	if err := s.decode(payload, &p); err != nil {
		return nil, err
	}

	deleted, err := s.records.DeleteRecord(ctx, p.RecordID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			s.logger.Info("record already gone, treating delete as done",
				"record_id", p.RecordID)
			return json.Marshal(map[string]string{"record_id": p.RecordID})
		}
		return nil, fmt.Errorf("failed to delete record: %w", err)
	}

	s.logger.Info("record deleted", "record_id", p.RecordID, "collection", deleted.Collection)
	return json.Marshal(map[string]any{
		"record_id":        p.RecordID,
		"deleted_document": deleted.Document,
	})
}

// executeRollback compensates a permanently failed task: "delete" removes a
// record the failed task created, "restore" reinstates a document the
// failed task destroyed or overwrote. Both directions are idempotent so a
// rollback retry cannot make things worse.
func (s *Service) executeRollback(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p rollbackPayload
	if err := s.decode(payload, &p); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		"record_id", p.RecordID,
		"rollback_action", p.Action,
		"original_task_id", p.OriginalTaskID)

	switch p.Action {
	case rollbackActionDelete:
		if _, err := s.records.DeleteRecord(ctx, p.RecordID); err != nil {
			if !errors.Is(err, store.ErrRecordNotFound) {
				return nil, fmt.Errorf("rollback delete failed: %w", err)
			}
		}
		logger.Info("rollback removed record")

	case rollbackActionRestore:
		if len(p.Document) == 0 || p.Collection == "" {
			return nil, fmt.Errorf("rollback restore needs collection and document for record %s", p.RecordID)
		}
		if _, err := s.records.UpdateRecord(ctx, p.RecordID, p.Document); err != nil {
			if !errors.Is(err, store.ErrRecordNotFound) {
				return nil, fmt.Errorf("rollback restore failed: %w", err)
			}
			now := time.Now().UTC()
			rec := &store.Record{
				ID:         p.RecordID,
				Collection: p.Collection,
				Document:   p.Document,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.records.CreateRecord(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return nil, fmt.Errorf("rollback restore failed: %w", err)
			}
		}
		logger.Info("rollback restored record")
	}

	return json.Marshal(map[string]string{
		"record_id": p.RecordID,
		"action":    p.Action,
	})
}

// decode unmarshals and validates an executor payload.
func (s *Service) decode(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	return nil
}
