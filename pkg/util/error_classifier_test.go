package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{}

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"permanent", Permanent(errors.New("bad")), false, "permanent"},
		{"wrapped permanent", fmt.Errorf("handler: %w", Permanent(context.DeadlineExceeded)), false, "permanent"},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true, "db_connection_error"},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true, "db_serialization_error"},
		{"deadline", fmt.Errorf("sweep: %w", context.DeadlineExceeded), true, "timeout"},
		{"unknown", errors.New("mystery"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestPermanent_KeepsMessageAndChain(t *testing.T) {
	cause := errors.New("boom")
	err := Permanent(cause)
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, Permanent(nil))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}
