package foundation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a verification result stays fresh.
	DefaultTTL = 5 * time.Minute
	// DefaultTimeout bounds one validation run. A run that exceeds it is
	// recorded as broken, not retried.
	DefaultTimeout = 10 * time.Minute
)

// Verifier runs the validation command, caches the outcome, and enforces
// the healthy-foundation gate.
type Verifier struct {
	runner  Runner
	cache   CacheStore
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// runMu serializes external runs. Concurrent callers block here and
	// then read the fresh cache instead of launching a second run.
	runMu sync.Mutex
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTTL sets how long a result stays fresh.
func WithTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) { v.ttl = ttl }
}

// WithTimeout bounds one validation run.
func WithTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

// WithCache replaces the default in-process cache, e.g. with a RedisCache
// shared across processes.
func WithCache(c CacheStore) VerifierOption {
	return func(v *Verifier) { v.cache = c }
}

// WithVerifierLogger sets the verifier logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// WithVerifierClock overrides the time source. Test seam.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier over the given runner.
func NewVerifier(runner Runner, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		runner:  runner,
		cache:   newMemoryCache(),
		ttl:     DefaultTTL,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the current foundation status, re-running the validation
// command when the cached result is missing or stale. With useCache false
// the cache is bypassed and a fresh run is forced.
func (v *Verifier) Verify(ctx context.Context, useCache bool) (*Result, error) {
	if useCache {
		if r := v.fresh(ctx); r != nil {
			return r, nil
		}
	}

	v.runMu.Lock()
	defer v.runMu.Unlock()

	// A concurrent caller may have refreshed the cache while we waited.
	if useCache {
		if r := v.fresh(ctx); r != nil {
			return r, nil
		}
	}

	result, err := v.run(ctx)
	if err != nil {
		return nil, err
	}
	if cerr := v.cache.Set(ctx, result); cerr != nil {
		v.logger.Warn("foundation cache write failed", "error", cerr)
	}
	return result, nil
}

// VerifyAndEnforce is the gate form of Verify: any status other than
// healthy is returned as a *BrokenError.
func (v *Verifier) VerifyAndEnforce(ctx context.Context, useCache bool) error {
	result, err := v.Verify(ctx, useCache)
	if err != nil {
		return fmt.Errorf("foundation verification failed to run: %w", err)
	}
	if result.Status != StatusHealthy {
		return &BrokenError{Passed: result.Passed, Failed: result.Failed, Reason: result.Reason}
	}
	return nil
}

// fresh returns the cached result when it is within TTL, nil otherwise.
func (v *Verifier) fresh(ctx context.Context) *Result {
	cached, err := v.cache.Get(ctx)
	if err != nil {
		v.logger.Warn("foundation cache read failed", "error", err)
		return nil
	}
	if cached == nil || cached.Status == StatusUnknown {
		return nil
	}
	if v.now().Sub(cached.CheckedAt) >= v.ttl {
		return nil
	}
	return cached
}

// run executes one bounded validation and classifies the outcome.
func (v *Verifier) run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := v.now()
	output, err := v.runner.Run(runCtx)
	result := &Result{
		Duration:  v.now().Sub(start),
		CheckedAt: v.now(),
	}
	result.Passed, result.Failed = parseCounts(output)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusBroken
		result.Reason = fmt.Sprintf("validation timed out after %s", v.timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil && result.Failed > 0:
		// exit 0 but the output reports failures: trust the counts
		result.Status = StatusBroken
		result.Reason = fmt.Sprintf("%d validation failures reported", result.Failed)
	case err == nil:
		result.Status = StatusHealthy
	default:
		result.Status = StatusBroken
		result.Reason = fmt.Sprintf("validation command exited %d: %s",
			exitCode(err), firstLine(output))
	}

	if result.Passed < 0 {
		result.Passed = 0
	}
	if result.Failed < 0 {
		if result.Status == StatusBroken {
			result.Failed = 1
		} else {
			result.Failed = 0
		}
	}

	v.logger.Info("foundation verified",
		"status", result.Status,
		"passed", result.Passed,
		"failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

func firstLine(output []byte) string {
	s := strings.TrimSpace(string(output))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
