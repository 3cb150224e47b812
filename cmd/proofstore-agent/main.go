// Точка входа полевого агента ProofStore — локальная очередь захвата
// и синхронизация с реестром.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arturkryukov/proofstore/internal/agent"
	"github.com/arturkryukov/proofstore/internal/api/handlers"
	"github.com/arturkryukov/proofstore/internal/config"
	"github.com/arturkryukov/proofstore/internal/remote"
	"github.com/arturkryukov/proofstore/internal/service"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Агент ProofStore запускается",
		slog.String("version", config.Version),
		slog.String("server_url", cfg.ServerURL),
		slog.Int("port", cfg.Port),
	)

	// --- Инициализация компонентов ---

	// 1. Durable-очередь захвата
	q, err := queue.Open(cfg.QueueDir, queue.Limits{
		MaxItems: cfg.MaxItems,
		MaxBytes: cfg.MaxBytes,
	}, logger)
	if err != nil {
		logger.Error("Ошибка открытия очереди", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Свободное место на диске под очередью — диагностика при старте
	if total, used, available, duErr := getDiskUsage(q.Dir()); duErr == nil {
		logger.Info("Диск очереди",
			slog.Int64("total_bytes", total),
			slog.Int64("used_bytes", used),
			slog.Int64("available_bytes", available),
		)
		if cfg.MaxBytes > 0 && available < cfg.MaxBytes {
			logger.Warn("Свободного места меньше бюджета очереди",
				slog.Int64("available_bytes", available),
				slog.Int64("max_bytes", cfg.MaxBytes),
			)
		}
	}

	stats := q.Stats()
	logger.Info("Очередь открыта",
		slog.String("dir", q.Dir()),
		slog.Int("items", stats.ItemCount),
		slog.Int("pending", stats.PendingCount),
		slog.Int("failed", stats.FailedCount),
	)

	// 2. Клиент реестра и движок синхронизации
	client := remote.NewClient(cfg.ServerURL, cfg.Token, cfg.UploadTimeout, logger)
	syncCfg := service.DefaultSyncConfig()
	syncCfg.Workers = cfg.SyncWorkers
	syncCfg.Budget = cfg.SyncBudget
	engine := service.NewSyncEngine(q, client, syncCfg, logger)

	// 3. Фоновая синхронизация
	ctx := context.Background()
	syncer := agent.NewSyncer(engine, cfg.SyncInterval, logger)
	syncer.Start(ctx)

	// 4. topologymetrics — доступность реестра
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"proofstore-agent",
		"proofstore",
		"proofstore-server",
		cfg.ServerURL+"/health/live",
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	}

	// 5. Loopback API
	captureSvc := agent.NewCaptureService(q, logger)
	handler := agent.NewHandler(captureSvc, q, engine, logger)
	health := handlers.NewHealthHandler("proofstore-agent")

	srv := agent.NewServer(cfg, logger, handler, health)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	syncer.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Агент ProofStore остановлен")
}
