package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHarness(maxRetries int) *Harness {
	h := NewHarness(&RateLimitState{}, 1000, maxRetries, nil)
	h.resetPad = 0
	h.backoffBase = time.Millisecond
	return h
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"ok", 200, "", nil},
		{"created", 201, "", nil},
		{"too many requests", 429, "", ErrRateLimited},
		{"forbidden rate limit payload", 403, `{"message":"API rate limit exceeded"}`, ErrRateLimited},
		{"plain forbidden", 403, `{"message":"no"}`, ErrPermanent},
		{"not found", 404, "", ErrPermanent},
		{"server error", 500, "", ErrTransient},
		{"bad gateway", 502, "", ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStatus(tt.status, tt.body)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyGraphQL(t *testing.T) {
	assert.NoError(t, ClassifyGraphQL(nil))
	assert.ErrorIs(t, ClassifyGraphQL(errors.New("API rate limit exceeded for query")), ErrRateLimited)
	assert.ErrorIs(t, ClassifyGraphQL(errors.New("Field 'nope' doesn't exist")), ErrPermanent)
}

func TestHarnessRetriesRateLimitUntilReset(t *testing.T) {
	// 429 with a reset 500ms out, then success: two requests, wall clock at
	// least the reset delta, no terminal error.
	var calls atomic.Int32
	start := time.Now()
	reset := start.Add(500 * time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()+1))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := testHarness(3)
	slept := time.Duration(0)
	h.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	err := h.Do(context.Background(), "test", func(ctx context.Context) error {
		resp, err := http.Get(srv.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()
		h.State().ObserveHeaders(resp.Header)
		return ClassifyStatus(resp.StatusCode, "")
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2), h.Calls())
	// The harness waited for the published reset before retrying.
	assert.GreaterOrEqual(t, slept, 500*time.Millisecond)
}

func TestHarnessPermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := testHarness(3)

	err := h.Do(context.Background(), "test", func(ctx context.Context) error {
		calls.Add(1)
		return ClassifyStatus(404, "")
	})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHarnessTransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	h := testHarness(2)
	h.sleep = func(context.Context, time.Duration) error { return nil }

	err := h.Do(context.Background(), "test", func(ctx context.Context) error {
		calls.Add(1)
		return ClassifyStatus(503, "")
	})
	require.ErrorIs(t, err, ErrTransient)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestHarnessCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := testHarness(3)
	err := h.Do(ctx, "test", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitStateObserveHeaders(t *testing.T) {
	s := &RateLimitState{}
	_, _, ok := s.Snapshot()
	assert.False(t, ok)

	hdr := http.Header{}
	hdr.Set("X-RateLimit-Remaining", "42")
	hdr.Set("X-RateLimit-Reset", "1700000000")
	s.ObserveHeaders(hdr)

	rem, reset, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 42, rem)
	assert.Equal(t, time.Unix(1700000000, 0), reset)

	// Partial headers are ignored.
	s.ObserveHeaders(http.Header{"X-Ratelimit-Remaining": []string{"1"}})
	rem, _, _ = s.Snapshot()
	assert.Equal(t, 42, rem)
}
