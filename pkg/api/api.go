// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/apiresponses"
	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/metrics"
	"github.com/telekom/mail-courier/pkg/ratelimit"
	"github.com/telekom/mail-courier/pkg/version"
)

// APIController is a group of routes mounted under BasePath.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// HealthCheck reports a component problem; nil means healthy.
type HealthCheck func() error

type Server struct {
	gin     *gin.Engine
	config  config.Server
	limiter *ratelimit.KeyedLimiter
	checks  map[string]HealthCheck
	log     *zap.SugaredLogger
}

// NewServer builds the ops server. Every route is rate limited per client IP.
func NewServer(log *zap.Logger, cfg config.Server, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	rlCfg := ratelimit.DefaultAPIConfig()
	if cfg.RateLimit > 0 {
		rlCfg.Rate = cfg.RateLimit
	}
	if cfg.RateBurst > 0 {
		rlCfg.Burst = cfg.RateBurst
	}
	limiter := ratelimit.New(rlCfg)

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
		limiter.Middleware(),
	)

	s := &Server{
		gin:     engine,
		config:  cfg,
		limiter: limiter,
		checks:  make(map[string]HealthCheck),
		log:     log.Sugar().Named("api"),
	}

	engine.GET("healthz", s.healthz)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))
	engine.GET("version", func(c *gin.Context) {
		apiresponses.RespondOK(c, version.GetBuildInfo())
	})

	return s
}

// AddHealthCheck registers a named check consulted by /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Server) healthz(c *gin.Context) {
	for name, check := range s.checks {
		if err := check(); err != nil {
			s.log.Warnw("Health check failed", "check", name, "error", err)
			apiresponses.RespondServiceUnavailable(c, name)
			return
		}
	}
	apiresponses.RespondOK(c, gin.H{"status": "ok", "version": version.Version})
}

func (s *Server) RegisterAll(controllers []APIController) error {
	for _, c := range controllers {
		if err := c.Register(s.gin.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	timeouts := s.config.GetServerTimeouts()
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadTimeout:       timeouts.GetReadTimeout(),
		ReadHeaderTimeout: timeouts.GetReadHeaderTimeout(),
		WriteTimeout:      timeouts.GetWriteTimeout(),
		IdleTimeout:       timeouts.GetIdleTimeout(),
		MaxHeaderBytes:    timeouts.GetMaxHeaderBytes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Ops server listening", "address", s.config.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("Ops server stopped")
	return nil
}

// Close stops the rate limiter's cleanup goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
