// Пакет server — HTTP-сервер реестра доказательств с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/arturkryukov/proofstore/internal/api/errors"
	"github.com/arturkryukov/proofstore/internal/api/handlers"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/config"
)

// Области доступа токенов.
const (
	ScopeEvidenceRead  = "evidence:read"
	ScopeEvidenceWrite = "evidence:write"
	ScopePacksWrite    = "packs:write"
)

// Handlers — набор обработчиков реестра, монтируемых на роутер.
type Handlers struct {
	Evidence *handlers.EvidenceHandler
	Jobs     *handlers.JobsHandler
	Packs    *handlers.PacksHandler
	Health   *handlers.HealthHandler
}

// Server — HTTP-сервер реестра.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.ServerConfig
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
//
// Публичные маршруты: health, metrics и проверка пакета — аудитор
// работает без токена. Остальное API закрыто JWT с проверкой областей
// доступа. Генерация пакетов дополнительно ограничена по частоте на
// subject токена.
func New(cfg *config.ServerConfig, logger *slog.Logger, auth *middleware.JWTAuth, h Handlers) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Публичные endpoints
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/api/v1/packs/{id}/verify", h.Packs.Verify)

	// Ограничение частоты генерации пакетов: ключ — subject токена
	packRateLimit := httprate.Limit(
		cfg.PackRateLimit,
		cfg.PackRateWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return middleware.SubjectFromContext(r.Context()), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			apierrors.RateLimited(w, "Превышен лимит генераций пакетов, повторите позже")
		}),
	)

	// Защищённое API
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(ScopeEvidenceWrite))
			r.Post("/evidence", h.Evidence.Upload)
			r.Patch("/evidence/{id}/notes", h.Evidence.UpdateNotes)
			r.Post("/jobs", h.Jobs.Create)
			r.Post("/jobs/{id}/tasks", h.Jobs.CreateTask)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(ScopeEvidenceRead))
			r.Get("/evidence/{id}", h.Evidence.Get)
			r.Get("/evidence/{id}/photo", h.Evidence.Photo)
			r.Get("/tasks/{id}/evidence", h.Evidence.ListByTask)
			r.Get("/jobs", h.Jobs.List)
			r.Get("/jobs/{id}", h.Jobs.Get)
			r.Get("/jobs/{id}/tasks", h.Jobs.ListTasks)
			r.Get("/jobs/{id}/packs", h.Packs.ListByJob)
			r.Get("/packs/{id}", h.Packs.Get)
			r.Get("/packs/{id}/download", h.Packs.Download)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(ScopePacksWrite))
			r.With(packRateLimit).Post("/jobs/{id}/packs", h.Packs.Generate)
			r.Post("/packs/{id}/share", h.Packs.Share)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом из
// конфигурации.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
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

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
