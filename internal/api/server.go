// Package api is the HTTP frontend: run submission, status, results,
// balance, plus health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/config"
	"github.com/packlane/packlane/internal/health"
	"github.com/packlane/packlane/internal/idgen"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/metrics"
	"github.com/packlane/packlane/internal/ratelimit"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/security"
	"github.com/packlane/packlane/internal/storage"
	"github.com/packlane/packlane/internal/submit"
	"github.com/packlane/packlane/internal/tenant"
	"github.com/packlane/packlane/internal/validation"
)

// resultURLTTL is how long a presigned result download link stays valid.
const resultURLTTL = 10 * time.Minute

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg         *config.Config
	runs        run.Store
	budget      budget.Engine
	tenants     tenant.Store
	objects     storage.ObjectStore
	submit      *submit.Service
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	ready atomic.Bool
}

// New creates the API server and wires up all routes.
func New(cfg *config.Config, runs run.Store, engine budget.Engine, tenants tenant.Store, objects storage.ObjectStore, submitSvc *submit.Service, logger *slog.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		runs:      runs,
		budget:    engine,
		tenants:   tenants,
		objects:   objects,
		submit:    submitSvc,
		healthReg: health.NewRegistry(),
		router:    gin.New(),
		logger:    logger,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Health returns the health registry so callers can register subsystem
// checks (database ping, Redis ping).
func (s *Server) Health() *health.Registry {
	return s.healthReg
}

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/runs", s.createRun)
		v1.GET("/runs/:id", validation.RunIDParamMiddleware(), s.getRun)
		v1.GET("/runs/:id/result", validation.RunIDParamMiddleware(), s.getRunResult)
		v1.GET("/balance", s.getBalance)
		v1.GET("/usage", s.getUsage)
	}

	if s.cfg.AdminToken != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminMiddleware())
		{
			admin.POST("/tenants", s.createTenant)
			admin.GET("/tenants", s.listTenants)
			admin.POST("/tenants/:id/balance", s.setTenantBalance)
		}
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until a shutdown signal or ctx
// cancellation, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting api server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
