// Точка входа реестра доказательств ProofStore.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/arturkryukov/proofstore/internal/api/handlers"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/config"
	"github.com/arturkryukov/proofstore/internal/database"
	"github.com/arturkryukov/proofstore/internal/repository"
	"github.com/arturkryukov/proofstore/internal/server"
	"github.com/arturkryukov/proofstore/internal/service"
	"github.com/arturkryukov/proofstore/internal/storage/filestore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("ProofStore запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Миграции и пул соединений PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Файловое хранилище снимков
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Репозитории
	evidenceRepo := repository.NewEvidenceRepository(pool)
	jobRepo := repository.NewJobRepository(pool)
	taskRepo := repository.NewTaskRepository(pool)
	packRepo := repository.NewPackRepository(pool)
	workerRepo := repository.NewWorkerRepository(pool)

	// 4. Сервисы
	ingestSvc := service.NewIngestService(evidenceRepo, taskRepo, store, logger)
	identitySvc := service.NewIdentityService(workerRepo, cfg.IdentityCacheTTL, logger)
	verifySvc := service.NewVerificationService(packRepo, jobRepo, taskRepo, evidenceRepo, store, logger)
	assembler := service.NewAuditPackAssembler(packRepo, jobRepo, taskRepo, evidenceRepo, logger)

	// 5. topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		cfg.DephealthDepName,
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 6. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации JWT JWKS",
			slog.String("jwks_url", cfg.JWKSUrl),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer jwtAuth.Close()

	// 7. Handlers
	fileServer := handlers.NewFileServer(func(storagePath string) (io.ReadCloser, error) {
		return store.Open(storagePath)
	})
	h := server.Handlers{
		Evidence: handlers.NewEvidenceHandler(ingestSvc, identitySvc, evidenceRepo, fileServer, logger),
		Jobs:     handlers.NewJobsHandler(jobRepo, taskRepo, logger),
		Packs:    handlers.NewPacksHandler(assembler, verifySvc, jobRepo, logger),
		Health:   handlers.NewHealthHandlerFull("proofstore-server", cfg.DataDir, database.NewReadinessChecker(pool)),
	}

	// 8. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, jwtAuth, h)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("ProofStore остановлен")
}
