package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "no rows maps to not found",
			err:    sql.ErrNoRows,
			target: store.ErrNotFound,
		},
		{
			name:   "unique violation maps to duplicate",
			err:    &pgconn.PgError{Code: uniqueViolationCode},
			target: store.ErrDuplicate,
		},
		{
			name:   "foreign key violation maps to invalid entity",
			err:    &pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "fk_x"},
			target: store.ErrInvalidEntity,
		},
		{
			name:   "check violation maps to invalid entity",
			err:    &pgconn.PgError{Code: checkViolationCode},
			target: store.ErrInvalidEntity,
		},
		{
			name:   "not null violation maps to invalid entity",
			err:    &pgconn.PgError{Code: notNullViolationCode, ColumnName: "priority"},
			target: store.ErrInvalidEntity,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mapped := MapError(tc.err)
			assert.ErrorIs(t, mapped, tc.target)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, MapError(nil))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		t.Parallel()
		unknown := errors.New("connection reset")
		assert.Same(t, unknown, MapError(unknown))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolationCode})
	assert.True(t, IsUniqueViolation(wrapped))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNotFoundError(sql.ErrNoRows))
	assert.True(t, IsNotFoundError(store.ErrTaskNotFound))
	assert.True(t, IsNotFoundError(MapError(sql.ErrNoRows)))
	assert.False(t, IsNotFoundError(errors.New("other")))
}
