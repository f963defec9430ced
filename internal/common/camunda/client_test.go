package camunda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llm-field-tools/internal/common/errors"
)

var fastRetry = &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetry(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		wantCalls     int
		wantErr       bool
		wantRetryable bool
	}{
		{
			name:      "first attempt succeeds",
			errs:      []error{nil},
			wantCalls: 1,
		},
		{
			name:      "transient errors then success",
			errs:      []error{errors.New("rpc error: code = Unavailable"), errors.New("connection reset by peer"), nil},
			wantCalls: 3,
		},
		{
			name:      "permanent error is not retried",
			errs:      []error{errors.New("rpc error: code = NotFound desc = job not found")},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name: "retries exhausted",
			errs: []error{
				errors.New("deadline exceeded"), errors.New("deadline exceeded"),
				errors.New("deadline exceeded"), errors.New("deadline exceeded"),
			},
			wantCalls:     4,
			wantErr:       true,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastRetry, "complete job", func(context.Context) error {
				e := tt.errs[calls]
				calls++
				return e
			})

			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			std := apperrors.AsStandard(err)
			assert.Equal(t, apperrors.ErrCodeExternalService, std.Code)
			assert.Equal(t, tt.wantRetryable, std.Retryable)
			assert.Contains(t, std.Details, "complete job")
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := &RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := Retry(ctx, slow, "complete job", func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
