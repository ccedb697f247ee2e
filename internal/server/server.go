// Package server wires the decision engine, its stores and the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/audit"
	"github.com/mbd888/devicetrust/internal/auth"
	"github.com/mbd888/devicetrust/internal/circuitbreaker"
	"github.com/mbd888/devicetrust/internal/config"
	"github.com/mbd888/devicetrust/internal/deviceauth"
	"github.com/mbd888/devicetrust/internal/fingerprint"
	"github.com/mbd888/devicetrust/internal/health"
	"github.com/mbd888/devicetrust/internal/keyvault"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/metrics"
	"github.com/mbd888/devicetrust/internal/pgtx"
	"github.com/mbd888/devicetrust/internal/policy"
	"github.com/mbd888/devicetrust/internal/ratelimit"
	"github.com/mbd888/devicetrust/internal/security"
	"github.com/mbd888/devicetrust/internal/traces"
	"github.com/mbd888/devicetrust/internal/trust"
	"github.com/mbd888/devicetrust/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// developmentSalt keys anonymized user ids when no salt is configured
// outside production.
const developmentSalt = "devicetrust-development-salt"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB       // nil if using in-memory
	rdb          *redis.Client // nil without REDIS_URL
	sealer       keyvault.Sealer
	publisher    audit.Publisher
	kafka        *audit.KafkaPublisher // nil unless KAFKA_BROKERS is set
	policies     policy.Store
	violations   policy.ViolationStore
	engine       *policy.Engine
	auth         *deviceauth.Authenticator
	detector     *fingerprint.Detector
	svc          *trust.Service
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *zap.Logger
	drain        time.Duration      // wait for load balancers before closing listeners
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSealer overrides the device secret sealer (for testing)
func WithSealer(sealer keyvault.Sealer) Option {
	return func(s *Server) {
		s.sealer = sealer
	}
}

// WithPublisher overrides the audit publisher (for testing)
func WithPublisher(p audit.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(2 * time.Second),
		drain:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	if err := s.setupAudit(); err != nil {
		return nil, err
	}
	if err := s.setupSealer(ctx); err != nil {
		s.closeResources(ctx)
		return nil, err
	}
	if err := s.setupStorage(ctx); err != nil {
		s.closeResources(ctx)
		return nil, err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupAudit() error {
	if s.publisher != nil {
		return nil
	}
	if len(s.cfg.KafkaBrokers) == 0 {
		s.logger.Info("no kafka brokers configured, audit events go to the log")
		s.publisher = audit.LogPublisher{Logger: s.logger.Named("audit")}
		return nil
	}

	kp, err := audit.NewKafkaPublisher(audit.KafkaConfig{
		Brokers: s.cfg.KafkaBrokers,
		Topic:   s.cfg.KafkaAuditTopic,
	}, s.logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("failed to configure audit publisher: %w", err)
	}
	kp.Start()
	s.kafka, s.publisher = kp, kp
	s.checks.Register("kafka", kp.Ping, health.Optional())
	s.logger.Info("audit events shipped to kafka",
		zap.Strings("brokers", s.cfg.KafkaBrokers), zap.String("topic", s.cfg.KafkaAuditTopic))
	return nil
}

func (s *Server) setupSealer(ctx context.Context) error {
	if s.sealer != nil {
		return nil
	}
	if s.cfg.KMSKeyID == "" {
		if s.cfg.IsProduction() {
			s.logger.Warn("KMS_KEY_ID not set, device secrets are stored unsealed")
		}
		s.sealer = keyvault.PlainSealer{}
		return nil
	}
	sealer, err := keyvault.NewKMSSealer(ctx, keyvault.KMSConfig{
		KeyID:             s.cfg.KMSKeyID,
		EncryptionContext: map[string]string{"service": "devicetrust", "purpose": "device-secret"},
	})
	if err != nil {
		return fmt.Errorf("failed to configure KMS sealer: %w", err)
	}
	s.sealer = sealer
	s.logger.Info("device secrets sealed with KMS")
	return nil
}

// setupStorage opens PostgreSQL and Redis when configured and builds the
// services on top. Without DATABASE_URL every store is in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	var (
		devices  deviceauth.Store
		prints   fingerprint.Store
		contexts policy.ContextStore
		runner   pgtx.Runner = pgtx.NopRunner{}
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", zap.String("dsn", maskDSN(s.cfg.DatabaseURL)))
		if err := metrics.RegisterDB(db, "primary"); err != nil {
			s.logger.Warn("database pool metrics disabled", zap.Error(err))
		}

		devices = deviceauth.NewPostgresStore(db, s.sealer)
		prints = fingerprint.NewPostgresStore(db)
		s.policies = policy.NewPostgresStore(db)
		contexts = policy.NewPostgresContextStore(db)
		s.violations = policy.NewPostgresViolationStore(db)
		runner = pgtx.NewSQLRunner(db)
		s.checks.Register("database", health.Database(db))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		devices = deviceauth.NewMemoryStore()
		prints = fingerprint.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		contexts = policy.NewMemoryContextStore()
		s.violations = policy.NewMemoryViolationStore()
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(opts)
		prints = fingerprint.NewCachedStore(prints, s.rdb, s.cfg.FingerprintCacheTTL, circuitbreaker.New(circuitbreaker.Settings{Name: "fingerprint_cache"}))
		s.checks.Register("redis", func(ctx context.Context) error {
			return s.rdb.Ping(ctx).Err()
		}, health.Optional())
		s.logger.Info("fingerprint lookups cached in redis", zap.String("addr", opts.Addr))
	}

	salt := s.cfg.AnonSalt
	if salt == "" {
		s.logger.Warn("ANON_SALT not set, using the development salt")
		salt = developmentSalt
	}

	s.engine = policy.NewEngine(s.policies, contexts, s.violations,
		policy.WithCacheTTL(s.cfg.PolicyCacheTTL),
		policy.WithAnonymizer(policy.NewAnonymizer(salt)),
		policy.WithPublisher(s.publisher),
	)
	s.auth = deviceauth.NewAuthenticator(devices)
	s.detector = fingerprint.NewDetector(prints, fingerprint.WithPublisher(s.publisher))
	s.svc = trust.New(s.auth, s.detector, s.engine, runner)
	return nil
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

// SeedPolicies loads a YAML policy file into the policy store. Policies
// whose name already exists in their organization are skipped.
func (s *Server) SeedPolicies(ctx context.Context, path string) (int, error) {
	policies, err := policy.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	n, err := policy.Seed(ctx, s.policies, policies)
	if err != nil {
		return n, err
	}
	for _, p := range policies {
		s.engine.InvalidateCache(p.Organization)
	}
	s.logger.Info("policy seed applied", zap.String("file", path), zap.Int("created", n), zap.Int("total", len(policies)))
	return n, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(traces.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdentifier(requestID) {
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

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(fields, zap.String("client_ip", c.ClientIP()))...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1", auth.RequireService(s.cfg.ServiceToken))
	trust.NewHandler(s.svc).RegisterRoutes(v1)

	admin := s.router.Group("/v1/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	policy.NewHandler(s.policies, s.violations, s.engine).RegisterRoutes(admin)
	deviceauth.NewHandler(s.auth).RegisterRoutes(admin)
	fingerprint.NewHandler(s.detector).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler answers 200 while only optional dependencies fail.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.checks.CheckAll(c.Request.Context())

	httpStatus := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    report.Status,
		Version:   Version,
		Checks:    report.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	if report := s.checks.CheckAll(c.Request.Context()); report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", zap.String("port", s.cfg.Port), zap.String("env", s.cfg.Env))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweepPolicyCache(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// sweepPolicyCache drops expired policy cache entries so organizations that
// stop sending traffic do not pin memory.
func (s *Server) sweepPolicyCache(ctx context.Context) {
	interval := s.cfg.PolicyCacheTTL
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.engine.SweepCache(); n > 0 {
				s.logger.Debug("policy cache swept", zap.Int("removed", n))
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", zap.Error(err))
			shutdownErr = err
		}
	}

	s.closeResources(ctx)
	s.logger.Info("server stopped")
	_ = s.logger.Sync()
	return shutdownErr
}

// closeResources stops background workers and closes connections. The
// audit queue is drained before the database closes.
func (s *Server) closeResources(ctx context.Context) {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Stop(ctx); err != nil {
			s.logger.Error("audit publisher stop error", zap.Error(err))
		} else {
			s.logger.Info("audit publisher drained")
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		} else {
			s.logger.Info("database connection closed")
		}
	}
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
