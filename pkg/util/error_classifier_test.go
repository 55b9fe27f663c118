package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	if err := json.Unmarshal([]byte("{"), &struct{}{}); err != nil {
		syntaxErr = err
	}

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, "timeout"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"duplicate", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "db_transient_error"},
		{"refused", errors.New("dial tcp: connection refused"), true, "connection_error"},
		{"other", errors.New("boom"), false, "unknown_error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(c.err)
			if retryable != c.retryable || kind != c.kind {
				t.Fatalf("IsRetryableError(%v) = (%v, %q), want (%v, %q)", c.err, retryable, kind, c.retryable, c.kind)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 3, false) {
		t.Fatal("non-retryable errors must not be retried")
	}
	if !ShouldRetry(3, 3, true) {
		t.Fatal("expected retry at the limit")
	}
	if ShouldRetry(4, 3, true) {
		t.Fatal("expected no retry past the limit")
	}
}
