package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
	"secure-file-share/internal/storage"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
}

// RateLimits are per-IP request budgets per minute.
type RateLimits struct {
	RequestsPerMinute int
	Burst             int
	AuthPerMinute     int
	LinkPerMinute     int
}

// LockoutConfig controls the login lockout.
type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
	Duration    time.Duration
}

type Config struct {
	Addr string // e.g. ":8080"
	// BaseURL is the public origin for share links. When empty the origin
	// is derived from each request.
	BaseURL string
	Build   BuildInfo

	JWTSecret string
	TokenTTL  time.Duration

	MaxUploadBytes int64
	MaxUploadFiles int
	CORSOrigins    []string
	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty means the
	// TCP peer is always the client.
	TrustedProxies []string
	RateLimits     RateLimits
	Lockout        LockoutConfig

	Service *access.Service
	// DB is optional; without it /ready only reports the process.
	DB      *sql.DB
	Storage storage.Backend
	Breaker *storage.CircuitBreaker
	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	svc     *access.Service
	log     *zap.Logger
	metrics *Metrics
	tokens  tokenIssuer
	lockout *AccountLockout
	ips     *ipResolver
	now     func() time.Time

	httpServer *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 10
	}
	if cfg.Lockout.MaxAttempts <= 0 {
		cfg.Lockout = LockoutConfig{MaxAttempts: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}
	}
	if cfg.RateLimits.RequestsPerMinute <= 0 {
		cfg.RateLimits = RateLimits{RequestsPerMinute: 120, Burst: 30, AuthPerMinute: 10, LinkPerMinute: 30}
	}

	s := &Server{
		cfg:     cfg,
		svc:     cfg.Service,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		tokens:  tokenIssuer{secret: []byte(cfg.JWTSecret), ttl: cfg.TokenTTL, now: cfg.Now},
		lockout: NewAccountLockout(cfg.Lockout.MaxAttempts, cfg.Lockout.Duration, cfg.Lockout.Window),
		now:     cfg.Now,
	}
	s.lockout.now = cfg.Now
	ips, err := newIPResolver(cfg.TrustedProxies)
	if err != nil {
		s.log.Error("ignoring trusted proxies", zap.Error(err))
		ips = &ipResolver{}
	}
	s.ips = ips
	if cfg.Breaker != nil {
		s.metrics.WatchBreaker(cfg.Breaker)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ready", s.HandleReady)
	mux.HandleFunc("GET /live", s.HandleLive)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.Handle("POST /api/files/upload", s.requireAuth(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /api/files/my-files", s.requireAuth(http.HandlerFunc(s.handleListFiles)))
	mux.Handle("GET /api/files/{id}/download", s.requireAuth(http.HandlerFunc(s.handleDownload)))
	mux.Handle("POST /api/files/{id}/share/user", s.requireAuth(http.HandlerFunc(s.handleShareWithUsers)))
	mux.Handle("POST /api/files/{id}/share/link", s.requireAuth(http.HandlerFunc(s.handleIssueLink)))
	mux.Handle("GET "+access.SharePath+"{token}", s.requireAuth(http.HandlerFunc(s.handleAccessViaLink)))

	return mux
}

// Handler returns the routed handler wrapped in the middleware chain:
// requestID -> logging -> security headers -> CORS -> rate limits -> mux.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.routes()
	handler = newEndpointRateLimiter(s.cfg.RateLimits, s.ips, s.log).Middleware(handler)
	handler = newRateLimiter(s.cfg.RateLimits.RequestsPerMinute, s.cfg.RateLimits.Burst, s.ips).middleware(handler)
	handler = corsMiddleware(s.cfg.CORSOrigins)(handler)
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(s.log, s.metrics, s.ips)(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Secure file share backend is running.\n"))
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
