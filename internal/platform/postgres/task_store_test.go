package postgres

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPostgresTaskStore(t *testing.T) {
	t.Parallel()

	s := NewPostgresTaskStore(&sql.DB{})
	assert.NotNil(t, s)
	assert.NotNil(t, s.db)
}

func TestPrefixColumns(t *testing.T) {
	t.Parallel()

	got := prefixColumns("t.", "id, task_type,\n\tstatus")
	assert.Equal(t, "t.id, t.task_type, t.status", got)
}

func TestNullableJSON(t *testing.T) {
	t.Parallel()

	assert.Nil(t, nullableJSON(nil))
	assert.Equal(t, []byte(`{"a":1}`), nullableJSON([]byte(`{"a":1}`)))
}
