// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/oamen/brickpay/internal/account"
	"github.com/oamen/brickpay/internal/config"
	"github.com/oamen/brickpay/internal/earnings"
	"github.com/oamen/brickpay/internal/escrow"
	"github.com/oamen/brickpay/internal/ingest"
	"github.com/oamen/brickpay/internal/ledger"
	"github.com/oamen/brickpay/internal/logging"
	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/notify"
	"github.com/oamen/brickpay/internal/paystack"
	"github.com/oamen/brickpay/internal/rates"
	"github.com/oamen/brickpay/internal/security"
	"github.com/oamen/brickpay/internal/supply"
	"github.com/oamen/brickpay/internal/traces"
	"github.com/oamen/brickpay/internal/validation"
	"github.com/oamen/brickpay/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	supply     *supply.Ledger
	accounts   *account.Accounts
	entries    *ledger.Ledger
	aggregator *earnings.Aggregator
	processor  *ingest.Processor
	provider   *paystack.Client
	engine     *escrow.Engine
	transferor wallet.Transferor
	settlement *wallet.Wallet // nil when the transferor was injected
	notifier   *notify.Notifier
	redisCli   *redis.Client

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTransferor sets a custom settlement transferor (for testing)
func WithTransferor(t wallet.Transferor) Option {
	return func(s *Server) {
		s.transferor = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.ForEnv(cfg.LogLevel, cfg.Env),
	}

	// Apply options first (may set transferor/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		supplyStore    supply.Store
		accountStore   account.Store
		entryStore     ledger.Store
		summariesStore earnings.Store
		escrowStore    escrow.Store
		processedStore ingest.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		supplyStore = supply.NewPostgresStore(db)
		accountStore = account.NewPostgresStore(db)
		entryStore = ledger.NewPostgresStore(db)
		summariesStore = earnings.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		processedStore = ingest.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		supplyStore = supply.NewMemoryStore()
		accountStore = account.NewMemoryStore()
		entryStore = ledger.NewMemoryStore()
		summariesStore = earnings.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		processedStore = ingest.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.supply = supply.New(supplyStore)
	s.accounts = account.New(accountStore)
	s.entries = ledger.New(entryStore)
	s.aggregator = earnings.New(s.entries, summariesStore)

	// Provision the sellable supply exactly once. A re-run against an
	// already provisioned store is a no-op.
	if err := s.supply.Provision(ctx, cfg.TotalSupply, cfg.UnitPrice); err != nil {
		return nil, fmt.Errorf("failed to provision supply: %w", err)
	}
	s.logger.Info("supply provisioned", "total", cfg.TotalSupply, "unitPrice", cfg.UnitPrice)

	// Notifications (no-op when NOTIFY_URL is unset)
	s.notifier = notify.New(cfg.NotifyURL, cfg.NotifySecret, s.logger)

	// Payment provider + webhook/verify processor
	if cfg.ProviderSecretKey != "" {
		provider, err := paystack.New(cfg.ProviderSecretKey, paystack.WithBaseURL(cfg.ProviderBaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to create payment provider: %w", err)
		}
		s.provider = provider
		s.processor = ingest.NewProcessor(s.supply, s.accounts, processedStore, provider, cfg.UnitPriceFloat()).
			WithNotifier(s.notifier).
			WithLogger(s.logger)
		s.logger.Info("payment provider configured", "baseUrl", cfg.ProviderBaseURL)
	} else {
		s.logger.Warn("PROVIDER_SECRET_KEY not set, sale endpoints disabled")
	}

	// Currency conversion
	var source rates.Source
	if cfg.RateSourceURL != "" {
		source = rates.NewHTTPSource(cfg.RateSourceURL)
	}
	var cache rates.Cache
	if cfg.RedisAddr != "" {
		s.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		cache = rates.NewRedisCache(s.redisCli)
		s.logger.Info("using Redis rate cache", "addr", cfg.RedisAddr)
	}
	converter := rates.New(source, cache, rates.Options{
		TTL:        time.Duration(cfg.RateTTLSecs) * time.Second,
		FeePercent: cfg.FeePercent,
		Fallback: map[string]float64{
			rates.Pair(cfg.SaleCurrency, "USDC"): 1 / cfg.FallbackRate,
			rates.Pair("USDC", cfg.SaleCurrency): cfg.FallbackRate,
		},
	})

	// Settlement wallet. When no transferor was injected, a configured
	// signer key enables on-chain escrow settlement.
	if s.transferor == nil && cfg.PrivateKey != "" {
		w, err := wallet.New(wallet.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.settlement = w
		s.transferor = w
		s.logger.Info("settlement wallet configured", "address", w.Address())
	}

	// Escrow engine needs a transferor to move funds
	if s.transferor != nil {
		custody := cfg.CustodyAddress
		if custody == "" && s.settlement != nil {
			custody = s.settlement.Address()
		}
		s.engine = escrow.NewEngine(escrowStore, s.entries, s.aggregator, converter, s.transferor, custody).
			WithNotifier(s.notifier).
			WithLogger(s.logger)
		s.logger.Info("escrow enabled", "custody", custody)
	} else {
		s.logger.Warn("no settlement signer configured, escrow endpoints disabled")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for now - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Sale endpoints: checkout, webhook ingestion, supply and balances
	ingestHandler := ingest.NewHandler(s.processor, s.provider, s.supply, s.accounts, s.cfg.UnitPriceFloat(), s.cfg.SaleCurrency, s.logger)
	if s.processor != nil {
		ingestHandler.RegisterRoutes(v1)
	} else {
		// Read-only endpoints still work without a provider key
		v1.GET("/supply", ingestHandler.GetSupply)
		v1.GET("/accounts/:email", ingestHandler.GetAccount)
	}

	// Escrow endpoints (require a settlement signer)
	if s.engine != nil {
		escrow.NewHandler(s.engine).RegisterRoutes(v1)
	}

	// Earnings endpoints
	earnings.NewHandler(s.aggregator).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}
	if s.redisCli != nil {
		if err := s.redisCli.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy"
		} else {
			checks["redis"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":         "Brickpay",
		"description":  "Brick sale and escrow settlement API",
		"version":      "0.1.0",
		"saleCurrency": s.cfg.SaleCurrency,
		"token":        "USDC",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	// Export connection pool stats while running against Postgres
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	if s.settlement != nil {
		if err := s.settlement.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}

	if s.redisCli != nil {
		if err := s.redisCli.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
