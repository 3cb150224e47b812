// syncer.go — фоновая периодическая синхронизация очереди.
//
// Запускается как горутина с тикером (PA_SYNC_INTERVAL). Ручной запуск
// через POST /api/v1/sync использует тот же движок: параллельные
// запуски исключены на уровне SyncEngine.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arturkryukov/proofstore/internal/service"
)

// Syncer — фоновый процесс синхронизации.
type Syncer struct {
	engine   *service.SyncEngine
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewSyncer создаёт фоновый синхронизатор.
func NewSyncer(engine *service.SyncEngine, interval time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		engine:   engine,
		interval: interval,
		logger:   logger.With(slog.String("component", "syncer")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
// Нулевой интервал отключает фоновую синхронизацию: остаётся
// только ручной запуск.
func (s *Syncer) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Фоновая синхронизация отключена")
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(syncCtx)

	s.logger.Info("Фоновая синхронизация запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Фоновая синхронизация остановлена")
}

// run — основной цикл фоновой горутины.
func (s *Syncer) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл синхронизации.
// Уже идущая синхронизация (ручной запуск) — не ошибка, цикл
// пропускается.
func (s *Syncer) RunOnce(ctx context.Context) {
	result, err := s.engine.SyncAll(ctx)
	if err != nil {
		if errors.Is(err, service.ErrSyncInProgress) {
			s.logger.Debug("Синхронизация уже выполняется, цикл пропущен")
			return
		}
		s.logger.Error("Ошибка фоновой синхронизации", slog.String("error", err.Error()))
		return
	}

	if result.Succeeded+result.Failed > 0 || result.StillPending > 0 {
		s.logger.Info("Цикл синхронизации завершён",
			slog.Int("succeeded", result.Succeeded),
			slog.Int("failed", result.Failed),
			slog.Int("still_pending", result.StillPending),
			slog.Duration("duration", result.Duration),
		)
	}
}
