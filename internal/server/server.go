// Package server sets up the HTTP server with all routes.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/casfa/casfa/internal/authcode"
	"github.com/casfa/casfa/internal/cache"
	"github.com/casfa/casfa/internal/config"
	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegates"
	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/health"
	"github.com/casfa/casfa/internal/logging"
	"github.com/casfa/casfa/internal/mcpserver"
	"github.com/casfa/casfa/internal/metrics"
	"github.com/casfa/casfa/internal/oauth"
	"github.com/casfa/casfa/internal/ratelimit"
	"github.com/casfa/casfa/internal/refresh"
	"github.com/casfa/casfa/internal/root"
	"github.com/casfa/casfa/internal/scoperesolver"
	"github.com/casfa/casfa/internal/security"
	"github.com/casfa/casfa/internal/traces"
	"github.com/casfa/casfa/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	delegateStore delegatestore.Store
	authCodeStore authcode.Store
	scopeReader   scoperesolver.NodeReader
	scopeSets     scoperesolver.ScopeSetStore

	delegatesHandler *delegates.Handler
	rootHandler      *root.Handler
	refreshHandler   *refresh.Handler
	oauthHandler     *oauth.Handler
	mcpDispatcher    *mcpserver.Dispatcher

	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// ScopeTree abstracts the CAS object store's Merkle-DAG for scope
// resolution. Callers inject their own implementation; server wiring
// treats it as an opaque scoperesolver.NodeReader.
type ScopeTree = scoperesolver.NodeReader

// WithScopeTree overrides the CAS node reader scope resolution consults.
// Without this option the server runs with an empty in-memory reader,
// which is sufficient for root/inherit scopes but rejects any relative path.
func WithScopeTree(reader ScopeTree) Option {
	return func(s *Server) { s.scopeReader = reader }
}

// emptyNodeReader answers every node lookup with "not found", so an
// un-configured scope tree still behaves safely: inherited scopes work,
// relative paths fail closed instead of panicking.
type emptyNodeReader struct{}

func (emptyNodeReader) Children(ctx context.Context, hash string) ([]string, bool) { return nil, false }

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		logger:      logging.New(cfg.LogLevel, "json"),
		scopeReader: emptyNodeReader{},
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var delegateStore delegatestore.Store
	var scopeSets scoperesolver.ScopeSetStore

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		delegateStore = delegatestore.NewPostgresStore(db)
		scopeSets = delegatestore.NewPostgresScopeSetStore(db)
		s.authCodeStore = authcode.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		delegateStore = delegatestore.NewMemoryStore()
		scopeSets = delegatestore.NewMemoryScopeSetStore()
		s.authCodeStore = authcode.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	cachedStore, err := cache.New(delegateStore, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize delegate cache: %w", err)
	}
	s.delegateStore = cachedStore
	s.scopeSets = scopeSets

	nowFn := time.Now
	refreshSvc := refresh.New(s.delegateStore, nowFn, cfg.AccessTokenTTL)

	s.delegatesHandler = delegates.New(s.delegateStore, s.scopeReader, s.scopeSets, s.logger, cfg.MaxDelegationDepth)
	s.rootHandler = root.New(s.delegateStore, nil)
	s.refreshHandler = refresh.NewHandler(refreshSvc)

	clients := make([]oauth.Client, 0, len(cfg.KnownClients))
	for _, kc := range cfg.KnownClients {
		clients = append(clients, oauth.Client{
			ClientID: kc.ClientID, Name: kc.Name, AllowedRedirectPatterns: kc.AllowedRedirectPatterns,
		})
	}
	registry := oauth.NewStaticRegistry(clients)
	s.oauthHandler = oauth.New(registry, s.authCodeStore, s.delegateStore, refreshSvc, nowFn, cfg.AccessTokenTTL, cfg.AuthCodeTTL)

	s.mcpDispatcher = mcpserver.New("casfa-mcp", "0.1.0", nil)

	s.health = health.NewRegistry()
	s.health.Register("api", func(context.Context) health.Status {
		return health.Status{Name: "api", Healthy: true}
	})
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i != -1 {
		if j := strings.LastIndex(dsn[:i], "://"); j != -1 {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return "***"
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) jwtKeyFunc(t *jwt.Token) (interface{}, error) {
	return []byte(s.cfg.JWTSigningKey), nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	meta := oauth.Metadata{Issuer: s.cfg.OAuthIssuer}
	s.router.GET("/.well-known/oauth-authorization-server/api/auth", meta.ServeMetadata)

	jwtAuth := delegateauth.JWTMiddleware(s.jwtKeyFunc)
	accessAuth := delegateauth.AccessTokenMiddleware(s.delegateStore, nil)

	tokens := s.router.Group("/api/tokens")
	tokens.Use(jwtAuth)
	s.rootHandler.RegisterRoutes(tokens)

	s.refreshHandler.RegisterRoutes(s.router.Group("/api"))

	authGroup := s.router.Group("/api/auth")
	authorizedAuth := s.router.Group("/api/auth")
	authorizedAuth.Use(jwtAuth)
	s.oauthHandler.RegisterRoutes(authorizedAuth, authGroup)

	realmGroup := s.router.Group("/api/realm/:realmId/delegates")
	realmGroup.Use(accessAuth)
	s.delegatesHandler.RegisterRoutes(realmGroup)

	mcpGroup := s.router.Group("/api/mcp")
	mcpGroup.Use(accessAuth)
	s.mcpDispatcher.RegisterRoutes(mcpGroup)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

// Run starts the HTTP server and blocks until a shutdown signal or error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	_ = runCtx

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.healthy.Store(true)
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router returns the underlying gin engine, primarily for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipResponseWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipResponseWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
