package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Multi writes every event to each sink in order and joins the failures.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Write(context.Context, Event) error { return nil }

// Recorder queues events in a bounded buffer and writes them to a Sink
// from one background goroutine.
type Recorder struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration
	onDrop  func()
	now     func() time.Time

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDropHook registers fn to be called once for every event that could
// not be queued or written.
func WithDropHook(fn func()) Option {
	return func(r *Recorder) { r.onDrop = fn }
}

// WithWriteTimeout bounds each sink write. The default is 5 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

// WithClock overrides the time source used to stamp events that arrive
// without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder starts the writer goroutine. buffer <= 0 selects 1024.
func NewRecorder(sink Sink, log *zap.Logger, buffer int, opts ...Option) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		sink:    sink,
		log:     log,
		timeout: 5 * time.Second,
		onDrop:  func() {},
		now:     time.Now,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues e without blocking. When the buffer is full or the
// recorder is closed the event is logged and dropped.
func (r *Recorder) Record(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "recorder closed")
		return
	}
	select {
	case r.queue <- e:
	default:
		r.drop(e, "buffer full")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Write(ctx, e)
		cancel()
		if err != nil {
			r.log.Error("audit write failed",
				zap.String("action", string(e.Action)),
				zap.String("file_id", e.FileID),
				zap.Error(err))
			r.onDrop()
		}
	}
}

func (r *Recorder) drop(e Event, reason string) {
	r.log.Warn("audit event dropped",
		zap.String("reason", reason),
		zap.String("action", string(e.Action)),
		zap.String("file_id", e.FileID))
	r.onDrop()
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
