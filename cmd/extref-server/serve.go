package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/kamdental/extref/internal/domain/detection"
	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/reconcile"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/auth"
	"github.com/kamdental/extref/internal/platform/db"
	"github.com/kamdental/extref/internal/platform/middleware"
	"github.com/kamdental/extref/internal/platform/validate"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
)

// newServer builds the echo instance with every route registered.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	// Reconciliation runs synchronously and may outlive a request deadline.
	e.Use(middleware.RequestTimeout(requestTimeout, "/api/v1/reconcile"))

	// Auth middleware
	if a.cfg.IsDev() && a.cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
			Skip:       []string{"/health", "/metrics"},
		}))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.cfg.StoreDriver, a.pinger))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	registry.NewHandler(a.codes).RegisterRoutes(apiV1)
	mapping.NewHandler(a.mappings).RegisterRoutes(apiV1)
	detection.NewHandler(a.detector).RegisterRoutes(apiV1)
	reconcile.NewHandler(a.job, a.runs).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	a, err := loadApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	e := newServer(a)

	// SIGHUP swaps in the current pattern set without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if _, err := a.detector.Reload(context.Background()); err != nil {
				logger.Error().Err(err).Msg("pattern set reload failed, keeping previous set")
			}
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%s", a.cfg.Port)
	go func() {
		logger.Info().Str("addr", addr).Str("driver", a.cfg.StoreDriver).Msg("starting extref server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
