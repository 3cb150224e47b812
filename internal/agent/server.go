// server.go — loopback HTTP-сервер агента.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/proofstore/internal/api/handlers"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/config"
)

// Server — HTTP-сервер loopback API агента.
// Слушает только 127.0.0.1: наружу API не публикуется.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.AgentConfig
}

// NewServer создаёт сервер агента с настроенными маршрутами.
func NewServer(cfg *config.AgentConfig, logger *slog.Logger, h *Handler, health *handlers.HealthHandler) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/capture", h.Capture)
		r.Get("/queue/stats", h.Stats)
		r.Get("/queue/{id}", h.GetItem)
		r.Post("/queue/{id}/retry", h.Retry)
		r.Post("/queue/purge", h.Purge)
		r.Post("/sync", h.Sync)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // POST /sync блокируется до конца бюджета
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Loopback API агента запущен",
			slog.String("addr", s.httpServer.Addr),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер агента остановлен")
	return nil
}
