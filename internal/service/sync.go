// sync.go — движок синхронизации очереди агента с центральным реестром.
//
// SyncAll выгружает ожидающие доказательства пулом воркеров в пределах
// бюджета времени. Временные отказы (сеть, 5xx, 429) повторяются с
// экспоненциальной паузой до потолка попыток; фатальные (4xx) сразу
// переводят запись в failed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/remote"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

// Prometheus метрики синхронизации
var (
	// syncRunsTotal — количество запусков синхронизации.
	syncRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pa_sync_runs_total",
		Help: "Общее количество запусков синхронизации",
	})

	// syncItemsTotal — исходы обработки записей.
	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pa_sync_items_total",
		Help: "Исходы обработки записей при синхронизации",
	}, []string{"outcome"})

	// syncDurationSeconds — длительность одного запуска.
	syncDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pa_sync_duration_seconds",
		Help:    "Длительность запуска синхронизации в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ErrSyncInProgress — синхронизация уже идёт.
var ErrSyncInProgress = errors.New("синхронизация уже выполняется")

// RemoteStore — загрузка доказательств в реестр.
// Выделен интерфейсом для подмены в тестах.
type RemoteStore interface {
	UploadEvidence(ctx context.Context, item *model.EvidenceItem, photo []byte) (*remote.UploadResult, error)
}

// SyncConfig — параметры движка синхронизации.
type SyncConfig struct {
	// Workers — размер пула воркеров
	Workers int
	// Budget — бюджет времени одного запуска
	Budget time.Duration
	// MaxRetries — потолок попыток на запись (с учётом прошлых запусков)
	MaxRetries int
	// BackoffBase — базовая пауза для временных отказов
	BackoffBase time.Duration
	// RateBackoffBase — базовая пауза после 429
	RateBackoffBase time.Duration
	// OnProgress — необязательный callback прогресса
	OnProgress func(done, total int)
}

// DefaultSyncConfig — значения по умолчанию.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Workers:         3,
		Budget:          5 * time.Minute,
		MaxRetries:      4,
		BackoffBase:     500 * time.Millisecond,
		RateBackoffBase: 5 * time.Second,
	}
}

// SyncResult — итог одного запуска SyncAll.
type SyncResult struct {
	// Succeeded — выгружено (включая повторные доставки)
	Succeeded int
	// Failed — переведено в failed (фатальная ошибка или потолок попыток)
	Failed int
	// StillPending — осталось в очереди после запуска
	StillPending int
	// Duration — длительность запуска
	Duration time.Duration
}

// SyncEngine — движок синхронизации очереди с реестром.
type SyncEngine struct {
	queue  *queue.Queue
	remote RemoteStore
	cfg    SyncConfig
	logger *slog.Logger

	runMu sync.Mutex // один SyncAll за раз

	// notBefore — записи под паузой backoff. Претензия раньше срока
	// возвращается в pending без инкремента счётчика попыток.
	nbMu      sync.Mutex
	notBefore map[string]time.Time

	// счётчики текущего запуска
	ctrMu     sync.Mutex
	succeeded int
	failed    int
	done      int
	total     int
}

// NewSyncEngine создаёт движок синхронизации.
func NewSyncEngine(q *queue.Queue, rs RemoteStore, cfg SyncConfig, logger *slog.Logger) *SyncEngine {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.RateBackoffBase <= 0 {
		cfg.RateBackoffBase = 5 * time.Second
	}
	return &SyncEngine{
		queue:     q,
		remote:    rs,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sync")),
		notBefore: make(map[string]time.Time),
	}
}

// SyncAll выгружает все ожидающие записи очереди.
// Возвращает ErrSyncInProgress, если запуск уже идёт. Отмена контекста
// или исчерпание бюджета прерывают запуск: захваченные записи
// возвращаются в pending без инкремента счётчика попыток.
func (s *SyncEngine) SyncAll(ctx context.Context) (*SyncResult, error) {
	if !s.runMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.runMu.Unlock()

	start := time.Now()
	syncRunsTotal.Inc()

	stats := s.queue.Stats()
	s.ctrMu.Lock()
	s.succeeded, s.failed, s.done = 0, 0, 0
	s.total = stats.PendingCount
	s.ctrMu.Unlock()

	s.logger.Info("Синхронизация начата",
		slog.Int("pending", stats.PendingCount),
		slog.Int("workers", s.cfg.Workers),
		slog.Duration("budget", s.cfg.Budget),
	)

	runCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.Budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Budget)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.worker(runCtx, n)
		}(i)
	}
	wg.Wait()

	result := &SyncResult{
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		StillPending: s.queue.Stats().PendingCount,
		Duration:     time.Since(start),
	}
	syncDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Синхронизация завершена",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("still_pending", result.StillPending),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// worker — цикл одного воркера: claim → выгрузка → исход.
func (s *SyncEngine) worker(ctx context.Context, n int) {
	log := s.logger.With(slog.Int("worker", n))

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := s.queue.DequeueNext()
		if err != nil {
			log.Error("Ошибка захвата записи", slog.String("error", err.Error()))
			return
		}
		if item == nil {
			// Очередь пуста. Записи под паузой ждём, иначе выходим.
			if !s.waitForBackoff(ctx) {
				return
			}
			continue
		}

		// Запись под паузой backoff: возвращаем без инкремента
		if wait := s.backoffRemaining(item.ID); wait > 0 {
			if err := s.queue.ReleaseSyncing(item.ID); err != nil {
				log.Error("Ошибка возврата записи", slog.String("id", item.ID), slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		s.syncOne(ctx, item, log)
	}
}

// syncOne выполняет одну попытку выгрузки захваченной записи.
func (s *SyncEngine) syncOne(ctx context.Context, item *model.EvidenceItem, log *slog.Logger) {
	photo, err := s.queue.Photo(item.ID)
	if err != nil {
		// Снимок недоступен локально — выгружать нечего
		s.finishFailed(item.ID, fmt.Sprintf("снимок недоступен: %s", err), log)
		return
	}

	result, err := s.remote.UploadEvidence(ctx, item, photo)
	if err == nil {
		s.clearBackoff(item.ID)
		if err := s.queue.MarkSynced(item.ID, result.PhotoRef); err != nil {
			log.Error("Ошибка пометки synced", slog.String("id", item.ID), slog.String("error", err.Error()))
			return
		}
		s.count(func() { s.succeeded++; s.done++ })
		syncItemsTotal.WithLabelValues("synced").Inc()
		log.Debug("Запись выгружена",
			slog.String("id", item.ID),
			slog.Bool("replay", result.Replay),
		)
		return
	}

	// Отмена или бюджет: запись возвращается без инкремента
	if ctx.Err() != nil {
		if relErr := s.queue.ReleaseSyncing(item.ID); relErr != nil {
			log.Error("Ошибка возврата записи", slog.String("id", item.ID), slog.String("error", relErr.Error()))
		}
		return
	}

	if !remote.IsRetryable(err) {
		s.finishFailed(item.ID, err.Error(), log)
		return
	}

	// Временный отказ: инкремент попытки, пауза по расписанию
	newCount := item.RetryCount + 1
	if newCount >= s.cfg.MaxRetries {
		s.finishFailed(item.ID, fmt.Sprintf("исчерпан лимит попыток: %s", err), log)
		return
	}

	delay := s.backoffDelay(newCount, err)
	s.setBackoff(item.ID, delay)
	if err := s.queue.MarkRetry(item.ID, err.Error()); err != nil {
		log.Error("Ошибка пометки retry", slog.String("id", item.ID), slog.String("error", err.Error()))
		return
	}
	syncItemsTotal.WithLabelValues("retry").Inc()
	log.Warn("Временный отказ, запись вернётся в очередь",
		slog.String("id", item.ID),
		slog.Int("retry_count", newCount),
		slog.Duration("backoff", delay),
	)
}

// finishFailed переводит запись в failed и учитывает исход.
func (s *SyncEngine) finishFailed(id, cause string, log *slog.Logger) {
	s.clearBackoff(id)
	if err := s.queue.MarkFailed(id, cause); err != nil {
		log.Error("Ошибка пометки failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	s.count(func() { s.failed++; s.done++ })
	syncItemsTotal.WithLabelValues("failed").Inc()
	log.Warn("Запись переведена в failed",
		slog.String("id", id),
		slog.String("cause", cause),
	)
}

// backoffDelay — пауза перед попыткой retryCount.
// Для 429 своё расписание; подсказка Retry-After имеет приоритет,
// если она больше расчётной.
func (s *SyncEngine) backoffDelay(retryCount int, err error) time.Duration {
	base := s.cfg.BackoffBase
	if remote.IsRateLimited(err) {
		base = s.cfg.RateBackoffBase
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
	}

	var uploadErr *remote.UploadError
	if errors.As(err, &uploadErr) && uploadErr.RetryAfter > delay {
		delay = uploadErr.RetryAfter
	}
	return delay
}

func (s *SyncEngine) setBackoff(id string, delay time.Duration) {
	s.nbMu.Lock()
	s.notBefore[id] = time.Now().Add(delay)
	s.nbMu.Unlock()
}

func (s *SyncEngine) clearBackoff(id string) {
	s.nbMu.Lock()
	delete(s.notBefore, id)
	s.nbMu.Unlock()
}

// backoffRemaining — сколько осталось паузы для записи (0 — пауза прошла).
func (s *SyncEngine) backoffRemaining(id string) time.Duration {
	s.nbMu.Lock()
	defer s.nbMu.Unlock()
	until, ok := s.notBefore[id]
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		delete(s.notBefore, id)
		return 0
	}
	return remaining
}

// waitForBackoff ждёт ближайший срок паузы, когда очередь пуста,
// но записи ещё вернутся. false — ждать нечего, запуск завершён.
func (s *SyncEngine) waitForBackoff(ctx context.Context) bool {
	s.nbMu.Lock()
	var nearest time.Time
	for _, until := range s.notBefore {
		if nearest.IsZero() || until.Before(nearest) {
			nearest = until
		}
	}
	s.nbMu.Unlock()

	if nearest.IsZero() {
		return false
	}
	wait := time.Until(nearest)
	if wait <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// count выполняет изменение счётчиков под мьютексом и дёргает callback.
func (s *SyncEngine) count(apply func()) {
	s.ctrMu.Lock()
	apply()
	done, total := s.done, s.total
	s.ctrMu.Unlock()

	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(done, total)
	}
}
