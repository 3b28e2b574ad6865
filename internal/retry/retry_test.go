package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/retry"
)

func TestPolicy_Do(t *testing.T) {
	errTransient := errors.New("transient")

	tests := map[string]struct {
		policy    retry.Policy
		failures  int
		permanent bool
		wantCalls int
		wantErr   error
	}{
		"should stop at first success": {
			policy:    retry.NoDelay(3),
			failures:  0,
			wantCalls: 1,
		},
		"should succeed after transient failures": {
			policy:    retry.NoDelay(3),
			failures:  2,
			wantCalls: 3,
		},
		"should return last error when attempts are exhausted": {
			policy:    retry.NoDelay(3),
			failures:  5,
			wantCalls: 3,
			wantErr:   errTransient,
		},
		"should not retry a permanent error": {
			policy:    retry.NoDelay(3),
			failures:  5,
			permanent: true,
			wantCalls: 1,
			wantErr:   errTransient,
		},
		"zero attempts should still call once": {
			policy:    retry.Policy{},
			failures:  5,
			wantCalls: 1,
			wantErr:   errTransient,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return retry.Permanent(errTransient)
					}
					return errTransient
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPolicy_Do_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{MaxAttempts: 5, Delay: time.Hour}

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_BackOff(t *testing.T) {
	tests := map[string]struct {
		policy retry.Policy
		want   []time.Duration
	}{
		"fixed delay": {
			policy: retry.Policy{MaxAttempts: 3, Delay: 100 * time.Millisecond},
			want:   []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, backoff.Stop},
		},
		"exponential delay should be capped": {
			policy: retry.Policy{MaxAttempts: 5, Delay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond},
			want: []time.Duration{
				200 * time.Millisecond,
				400 * time.Millisecond,
				500 * time.Millisecond,
				500 * time.Millisecond,
				backoff.Stop,
			},
		},
		"no delay": {
			policy: retry.NoDelay(2),
			want:   []time.Duration{0, backoff.Stop},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			b := tt.policy.BackOff(context.Background())
			b.Reset()

			got := make([]time.Duration, 0, len(tt.want))
			for range tt.want {
				got = append(got, b.NextBackOff())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
