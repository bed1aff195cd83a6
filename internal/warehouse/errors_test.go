package warehouse

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsConstraintViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg unique", &pgconn.PgError{Code: "23505"}, true},
		{"pg unique wrapped", eris.Wrap(&pgconn.PgError{Code: "23505"}, "upsert"), true},
		{"pg foreign key", &pgconn.PgError{Code: "23503"}, false},
		{"sqlite message", errors.New("constraint failed: UNIQUE constraint failed: crm_users.email (2067)"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConstraintViolation(tt.err))
		})
	}
}
