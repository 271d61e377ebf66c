package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

// PostgresRecordStore implements store.RecordStore using PostgreSQL with a
// jsonb document column. Unlike the task store it holds the raw *sql.DB
// because UpdateRecord needs its own transaction to return the previous
// document atomically.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a new PostgresRecordStore.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

var _ store.RecordStore = (*PostgresRecordStore)(nil)

const recordColumns = `id, collection, document, created_at, updated_at`

// CreateRecord persists a new record.
func (s *PostgresRecordStore) CreateRecord(ctx context.Context, rec *store.Record) error {
	query := `
		INSERT INTO records (id, collection, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Collection, []byte(rec.Document), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", MapError(err))
	}
	return nil
}

// GetRecord returns the record with the given id.
func (s *PostgresRecordStore) GetRecord(ctx context.Context, id string) (*store.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", MapError(err))
	}
	return rec, nil
}

// UpdateRecord replaces the record's document and returns the previous
// version for rollback bookkeeping. The read and the write share one
// transaction with a row lock so concurrent workers cannot both report the
// same previous document.
func (s *PostgresRecordStore) UpdateRecord(
	ctx context.Context,
	id string,
	document json.RawMessage,
) (*store.Record, error) {
	var previous *store.Record
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, id)
		rec, err := scanRecord(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrRecordNotFound
			}
			return fmt.Errorf("failed to read record: %w", MapError(err))
		}
		previous = rec

		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET document = $2, updated_at = $3 WHERE id = $1
		`, id, []byte(document), time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to update record: %w", MapError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// DeleteRecord removes the record and returns the deleted version.
func (s *PostgresRecordStore) DeleteRecord(ctx context.Context, id string) (*store.Record, error) {
	query := `DELETE FROM records WHERE id = $1 RETURNING ` + recordColumns

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to delete record: %w", MapError(err))
	}
	return rec, nil
}

// ListRecords returns records in a collection, newest first.
func (s *PostgresRecordStore) ListRecords(
	ctx context.Context,
	collection string,
	limit, offset int,
) ([]*store.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE collection = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, collection, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (*store.Record, error) {
	var rec store.Record
	var document []byte
	err := row.Scan(&rec.ID, &rec.Collection, &document, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Document = document
	return &rec, nil
}
