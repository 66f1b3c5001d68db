package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// StateClosed: calls flow normally.
	StateClosed CircuitState = iota
	// StateOpen: calls fail fast until the timeout passes.
	StateOpen
	// StateHalfOpen: one probe call decides whether to close again.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when a half-open breaker already has
	// a probe in flight.
	ErrTooManyRequests = errors.New("too many requests while circuit is half-open")
)

// CircuitBreaker opens after maxFailures consecutive failures and lets a
// single probe through once timeout has passed.
type CircuitBreaker struct {
	mu  sync.Mutex
	log *zap.Logger
	now func() time.Time

	maxFailures uint32
	timeout     time.Duration
	maxHalfOpen uint32

	state            CircuitState
	failures         uint32
	lastFailureTime  time.Time
	halfOpenRequests uint32

	totalRequests    uint64
	failedRequests   uint64
	rejectedRequests uint64
}

func NewCircuitBreaker(maxFailures uint32, timeout time.Duration, log *zap.Logger) *CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{
		log:         log,
		now:         time.Now,
		maxFailures: maxFailures,
		timeout:     timeout,
		maxHalfOpen: 1,
		state:       StateClosed,
	}
}

// Execute runs fn under breaker protection. Errors for which trips
// returns false pass through without counting as failures or successes.
func (cb *CircuitBreaker) Execute(fn func() error, trips func(error) bool) error {
	cb.mu.Lock()
	cb.totalRequests++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.rejectedRequests++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenRequests = 0
		cb.log.Info("circuit breaker half-open", zap.Duration("timeout_elapsed", cb.timeout))
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.maxHalfOpen {
			cb.rejectedRequests++
			cb.mu.Unlock()
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
	if err != nil {
		// An error that does not trip proves nothing either way.
		if trips(err) {
			cb.onFailure()
		}
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.log.Info("circuit breaker closed", zap.String("reason", "recovery_successful"))
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.failedRequests++
	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.state = StateOpen
			cb.log.Warn("circuit breaker opened",
				zap.Uint32("failures", cb.failures),
				zap.Uint32("max_failures", cb.maxFailures),
				zap.Duration("timeout", cb.timeout))
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	TotalRequests    uint64    `json:"total_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		TotalRequests:    cb.totalRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// Guarded routes every call to a Backend through a CircuitBreaker. A
// missing object is a caller problem, not an outage, and never trips it.
type Guarded struct {
	inner   Backend
	breaker *CircuitBreaker
}

func NewGuarded(inner Backend, breaker *CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

func trips(err error) bool {
	return !errors.Is(err, ErrObjectNotFound) && !errors.Is(err, context.Canceled)
}

// sourceReader remembers whether the caller's body failed. Such a failure
// is the client's (oversized or truncated upload) and says nothing about
// the backend.
type sourceReader struct {
	r      io.Reader
	failed bool
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.failed = true
	}
	return n, err
}

func (g *Guarded) Put(ctx context.Context, body io.Reader, size int64, contentType string) (access.ObjectInfo, error) {
	var info access.ObjectInfo
	src := &sourceReader{r: body}
	err := g.breaker.Execute(func() error {
		var err error
		info, err = g.inner.Put(ctx, src, size, contentType)
		return err
	}, func(err error) bool { return !src.failed && trips(err) })
	return info, err
}

func (g *Guarded) Open(ctx context.Context, ref string) (io.ReadCloser, access.ObjectInfo, error) {
	var (
		rc   io.ReadCloser
		info access.ObjectInfo
	)
	err := g.breaker.Execute(func() error {
		var err error
		rc, info, err = g.inner.Open(ctx, ref)
		return err
	}, trips)
	return rc, info, err
}

func (g *Guarded) Remove(ctx context.Context, ref string) error {
	return g.breaker.Execute(func() error { return g.inner.Remove(ctx, ref) }, trips)
}

// Ping bypasses the breaker so health checks see the backend directly.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}
