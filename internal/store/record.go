package store

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a stored domain document. Documents are schemaless JSON
// grouped by collection (students, subjects, enrollments, grades), so the
// task executors can create, update, and delete them without the store
// knowing each shape.
type Record struct {
	ID         string
	Collection string
	Document   json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RecordStore defines the persistence contract for domain records.
type RecordStore interface {
	// CreateRecord persists a new record.
	CreateRecord(ctx context.Context, record *Record) error

	// GetRecord returns the record with the given id, or ErrRecordNotFound.
	GetRecord(ctx context.Context, id string) (*Record, error)

	// UpdateRecord replaces the record's document and returns the previous
	// version, or ErrRecordNotFound.
	UpdateRecord(ctx context.Context, id string, document json.RawMessage) (*Record, error)

	// DeleteRecord removes the record and returns it, or ErrRecordNotFound.
	DeleteRecord(ctx context.Context, id string) (*Record, error)

	// ListRecords returns records in a collection, newest first.
	ListRecords(ctx context.Context, collection string, limit, offset int) ([]*Record, error)
}
