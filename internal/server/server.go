package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"rentescrow/internal/config"
	"rentescrow/internal/contacts"
	"rentescrow/internal/deposits"
	"rentescrow/internal/dlq"
	"rentescrow/internal/escrow"
	"rentescrow/internal/hmacauth"
)

type DepositRecorder interface {
	RecordDeposit(ctx context.Context, c escrow.Claim) (deposits.Deposit, error)
}

type DepositReader interface {
	Get(ctx context.Context, txHash common.Hash) (deposits.Deposit, error)
}

type WalletService interface {
	Lookup(ctx context.Context, email string) (contacts.Link, error)
	Link(ctx context.Context, email string, wallet common.Address, sig []byte) (contacts.Link, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer drives. Health checkers and the
// dead-letter writer are optional.
type Deps struct {
	Recorder   DepositRecorder
	Deposits   DepositReader
	Wallets    WalletService
	DeadLetter dlq.Writer
	RPC        HealthChecker
	DB         HealthChecker
	Cache      HealthChecker
	Logger     *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	logger     *zap.Logger
	hmac       *hmacauth.Verifier
	limiter    *rateLimiter
	metrics    *metricsRegistry
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: newMetricsRegistry(),
	}
	s.hmac = &hmacauth.Verifier{
		Secret:   cfg.Service.HMACSecret,
		MaxSkew:  cfg.Service.HMACClockSkew,
		OnReject: s.rejectUnsigned,
	}
	if cfg.Service.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst)
	}

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	if s.cfg.Service.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if s.cfg.Service.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Service.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(s.cfg.Service.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader,
			hmacauth.DefaultSignatureHeader, hmacauth.DefaultTimestampHeader},
		ExposedHeaders: []string{requestIDHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Get("/escrow/{txHash}", s.handleGetDeposit)
		r.Get("/user-wallet", s.handleGetWallet)

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/escrow", s.handleRecordDeposit)
			r.Post("/user-wallet", s.handleLinkWallet)
		})
	})

	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) updateDLQDepth(ctx context.Context) int {
	d, ok := s.deps.DeadLetter.(dlq.Depther)
	if !ok {
		return 0
	}
	depth, err := d.Depth(ctx)
	if err != nil {
		s.logger.Warn("dlq depth", zap.Error(err))
		return 0
	}
	s.metrics.setDLQDepth(depth)
	return depth
}

type probeResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, c HealthChecker) probeResult {
	if c == nil {
		return probeResult{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return probeResult{Error: err.Error()}
	}
	return probeResult{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rpc := probe(ctx, s.deps.RPC)
	db := probe(ctx, s.deps.DB)
	// The cache only speeds up wallet lookups, so it never degrades health.
	cache := probe(ctx, s.deps.Cache)

	healthy := rpc.Connected && db.Connected
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        probeResult `json:"rpc"`
		Database   probeResult `json:"database"`
		Cache      probeResult `json:"cache"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpc,
		Database:   db,
		Cache:      cache,
		QueueDepth: s.updateDLQDepth(ctx),
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
