// Package upstream provides the shared request harness every adapter call
// goes through: a per-upstream token-bucket throttle, rate-limit window
// tracking from response headers, and exponential-backoff retries for
// transient failures.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Failure kinds. Adapters classify responses into these; the harness
// decides retry behavior from them.
var (
	// ErrRateLimited marks a 429 or an upstream rate-limit payload.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrTransient marks 5xx and network-level failures.
	ErrTransient = errors.New("transient upstream error")
	// ErrPermanent marks non-retryable 4xx responses.
	ErrPermanent = errors.New("permanent upstream error")
)

const (
	// lowRemaining is the published-remaining threshold under which the
	// harness waits for the window reset before issuing more requests.
	lowRemaining = 100
	// resetPadding is added on top of the published reset instant.
	resetPadding = 10 * time.Second
)

// RateLimitState tracks the upstream's published rate-limit window. One
// instance is shared by all concurrent callers against the same upstream.
type RateLimitState struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	seen      bool
}

// Observe records the remaining/reset pair from a response.
func (s *RateLimitState) Observe(remaining int, reset time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	s.reset = reset
	s.seen = true
}

// Snapshot returns the last observed window. ok is false until the first
// observation.
func (s *RateLimitState) Snapshot() (remaining int, reset time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.reset, s.seen
}

// ObserveHeaders parses the conventional X-RateLimit-{Remaining,Reset}
// headers (reset as epoch seconds) into the state. Missing headers are
// ignored.
func (s *RateLimitState) ObserveHeaders(h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	rst := h.Get("X-RateLimit-Reset")
	if rem == "" || rst == "" {
		return
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return
	}
	resetEpoch, err := strconv.ParseInt(rst, 10, 64)
	if err != nil {
		return
	}
	s.Observe(remaining, time.Unix(resetEpoch, 0))
}

// Harness wraps upstream calls with throttling, reset-hint pauses and
// exponential-backoff retries (waits of ~2^attempt seconds up to
// maxRetries). It also counts issued requests for run accounting.
type Harness struct {
	limiter    *rate.Limiter
	state      *RateLimitState
	maxRetries uint64
	calls      atomic.Int64
	log        *logrus.Entry

	// Injection points for deterministic tests.
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	resetPad    time.Duration
	backoffBase time.Duration
}

// NewHarness builds a harness throttled to rps requests per second sharing
// the given rate-limit state.
func NewHarness(state *RateLimitState, rps float64, maxRetries int, log *logrus.Entry) *Harness {
	if state == nil {
		state = &RateLimitState{}
	}
	if rps <= 0 {
		rps = 5
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Harness{
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		state:       state,
		maxRetries:  uint64(maxRetries),
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
		resetPad:    resetPadding,
		backoffBase: time.Second,
	}
}

// State exposes the shared rate-limit window for adapters that observe
// headers themselves.
func (h *Harness) State() *RateLimitState { return h.state }

// Calls returns the number of upstream requests issued so far.
func (h *Harness) Calls() int64 { return h.calls.Load() }

// Do executes fn under the throttle with retries. fn classifies its own
// failures: ErrRateLimited and ErrTransient (or raw network errors) are
// retried, anything else propagates immediately.
func (h *Harness) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(h.maxRetries, retry.NewExponential(h.backoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		// Preemptively wait out the window when the upstream says we are
		// nearly exhausted.
		if rem, reset, ok := h.state.Snapshot(); ok && rem < lowRemaining {
			if err := h.waitForReset(ctx, op, reset); err != nil {
				return err
			}
		}
		h.calls.Add(1)

		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRateLimited):
			_, reset, ok := h.state.Snapshot()
			if ok {
				if werr := h.waitForReset(ctx, op, reset); werr != nil {
					return werr
				}
			}
			return retry.RetryableError(err)
		case errors.Is(err, ErrTransient) || isNetworkError(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
}

func (h *Harness) waitForReset(ctx context.Context, op string, reset time.Time) error {
	wait := reset.Sub(h.now())
	if wait < 0 {
		wait = 0
	}
	wait += h.resetPad
	if h.log != nil {
		h.log.WithFields(logrus.Fields{"op": op, "wait": wait.String()}).
			Warn("rate limit window exhausted, waiting for reset")
	}
	return h.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClassifyStatus maps an HTTP response status (with its body for rate-limit
// payload sniffing) onto the failure kinds. A nil return means success.
func ClassifyStatus(status int, body string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", ErrRateLimited)
	case status == http.StatusForbidden && containsRateLimit(body):
		return fmt.Errorf("%w: status 403 with rate-limit payload", ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	default:
		return fmt.Errorf("%w: status %d", ErrPermanent, status)
	}
}

// ClassifyGraphQL maps a GraphQL transport error (HTTP 200 with an errors
// array surfaced as a Go error) onto the failure kinds. Rate-limit messages
// behave like a 429; everything else is permanent.
func ClassifyGraphQL(err error) error {
	if err == nil {
		return nil
	}
	if containsRateLimit(err.Error()) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

func containsRateLimit(s string) bool {
	return strings.Contains(strings.ToLower(s), "rate limit")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
