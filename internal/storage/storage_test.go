package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		wantEndpoint string
		wantSecure   bool
		wantErr      bool
	}{
		{"minio:9000", "minio:9000", false, false},
		{"http://minio:9000", "minio:9000", false, false},
		{"https://minio:9000", "minio:9000", true, false},
		{"http://minio:9000/", "minio:9000", false, false},
		{"http://minio:9000/foo", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		ep, secure, err := normaliseEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for input %q", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.in, err)
		}
		if ep != tt.wantEndpoint || secure != tt.wantSecure {
			t.Fatalf("normaliseEndpoint(%q) = (%q,%v), want (%q,%v)", tt.in, ep, secure, tt.wantEndpoint, tt.wantSecure)
		}
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), Config{Driver: "ftp"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewMinioRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Driver: DriverMinio}, zap.NewNop()); err == nil {
		t.Fatal("expected error for incomplete minio config")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	info, err := m.Put(ctx, strings.NewReader("hello"), -1, "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.SizeBytes != 5 || !strings.HasPrefix(info.Ref, "files/") {
		t.Fatalf("unexpected info: %+v", info)
	}

	rc, got, err := m.Open(ctx, info.Ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "hello" || got.ContentType != "text/plain" {
		t.Fatalf("got %q %+v", b, got)
	}

	if err := m.Remove(ctx, info.Ref); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := m.Open(ctx, info.Ref); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestCountingReader(t *testing.T) {
	cr := &countingReader{r: strings.NewReader(strings.Repeat("x", 1000))}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		t.Fatal(err)
	}
	if cr.n != 1000 {
		t.Fatalf("counted %d bytes, want 1000", cr.n)
	}
}

func alwaysTrips(error) bool { return true }

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, 30*time.Second, nil)
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }, alwaysTrips); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }, alwaysTrips); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call through")
	}

	now = now.Add(31 * time.Second)
	if err := cb.Execute(func() error { return nil }, alwaysTrips); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}

	st := cb.Stats()
	if st.TotalRequests != 5 || st.FailedRequests != 3 || st.RejectedRequests != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") }, alwaysTrips)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(func() error { return errors.New("still down") }, alwaysTrips)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}
}

type flakyBackend struct {
	*Memory
	openErr error
	putErr  error
}

func (f *flakyBackend) Put(ctx context.Context, body io.Reader, size int64, contentType string) (access.ObjectInfo, error) {
	if f.putErr != nil {
		return access.ObjectInfo{}, f.putErr
	}
	return f.Memory.Put(ctx, body, size, contentType)
}

func (f *flakyBackend) Open(ctx context.Context, ref string) (io.ReadCloser, access.ObjectInfo, error) {
	if f.openErr != nil {
		return nil, access.ObjectInfo{}, f.openErr
	}
	return f.Memory.Open(ctx, ref)
}

func TestGuardedIgnoresMissingObjects(t *testing.T) {
	g := NewGuarded(NewMemory(), NewCircuitBreaker(2, time.Minute, nil))
	for i := 0; i < 5; i++ {
		if _, _, err := g.Open(context.Background(), fmt.Sprintf("missing-%d", i)); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("expected ErrObjectNotFound, got %v", err)
		}
	}
	if g.Breaker().State() != StateClosed {
		t.Fatal("missing objects must not open the breaker")
	}
}

func TestGuardedTripsOnOutage(t *testing.T) {
	fb := &flakyBackend{Memory: NewMemory(), openErr: errors.New("connection refused")}
	g := NewGuarded(fb, NewCircuitBreaker(2, time.Minute, nil))
	for i := 0; i < 2; i++ {
		_, _, _ = g.Open(context.Background(), "x")
	}
	if _, _, err := g.Open(context.Background(), "x"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if err := g.Ping(context.Background()); err != nil {
		t.Fatalf("ping bypasses the breaker: %v", err)
	}
}

func TestGuardedIgnoresClientBodyErrors(t *testing.T) {
	g := NewGuarded(NewMemory(), NewCircuitBreaker(2, time.Minute, nil))
	tooLarge := errors.New("file exceeds the upload size limit")

	for i := 0; i < 5; i++ {
		body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(tooLarge))
		if _, err := g.Put(context.Background(), body, -1, "application/pdf"); !errors.Is(err, tooLarge) {
			t.Fatalf("attempt %d: expected the body error, got %v", i, err)
		}
	}
	if g.Breaker().State() != StateClosed {
		t.Fatalf("body errors must not open the breaker, state %s", g.Breaker().State())
	}
	if st := g.Breaker().Stats(); st.FailedRequests != 0 {
		t.Fatalf("body errors counted as failures: %+v", st)
	}

	if _, err := g.Put(context.Background(), strings.NewReader("ok"), -1, "application/pdf"); err != nil {
		t.Fatalf("put after body errors: %v", err)
	}
}

func TestGuardedPutTripsOnBackendFailure(t *testing.T) {
	fb := &flakyBackend{Memory: NewMemory(), putErr: errors.New("connection refused")}
	g := NewGuarded(fb, NewCircuitBreaker(2, time.Minute, nil))
	for i := 0; i < 2; i++ {
		_, _ = g.Put(context.Background(), strings.NewReader("x"), 1, "text/csv")
	}
	if _, err := g.Put(context.Background(), strings.NewReader("x"), 1, "text/csv"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerNeutralErrorKeepsHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") }, alwaysTrips)
	now = now.Add(2 * time.Second)

	neutral := errors.New("client went away")
	err := cb.Execute(func() error { return neutral }, func(error) bool { return false })
	if !errors.Is(err, neutral) {
		t.Fatalf("expected the neutral error, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("a neutral error must not close the breaker, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }, alwaysTrips); err != nil {
		t.Fatalf("next probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after a successful probe, got %s", cb.State())
	}
}
