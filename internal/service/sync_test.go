package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
	"github.com/arturkryukov/proofstore/internal/remote"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(t.TempDir(), queue.Limits{}, testLogger())
	if err != nil {
		t.Fatalf("не удалось открыть очередь: %v", err)
	}
	return q
}

func enqueueItem(t *testing.T, q *queue.Queue, photo []byte) *model.EvidenceItem {
	t.Helper()
	capturedAt := time.Now().UTC().Format(time.RFC3339)
	item := &model.EvidenceItem{
		ID:          uuid.New().String(),
		TaskID:      uuid.New().String(),
		JobID:       uuid.New().String(),
		CapturedAt:  capturedAt,
		WorkerID:    "worker-1",
		Stage:       model.StageDuring,
		ContentHash: hashchain.ItemHash(photo, capturedAt, "worker-1"),
	}
	if err := q.Enqueue(item, photo); err != nil {
		t.Fatalf("не удалось поставить элемент в очередь: %v", err)
	}
	return item
}

// fakeRemote — сценарный реестр: script решает исход каждой попытки.
type fakeRemote struct {
	mu       sync.Mutex
	attempts map[string]int
	script   func(ctx context.Context, item *model.EvidenceItem, attempt int) error
}

func newFakeRemote(script func(ctx context.Context, item *model.EvidenceItem, attempt int) error) *fakeRemote {
	return &fakeRemote{attempts: make(map[string]int), script: script}
}

func (f *fakeRemote) UploadEvidence(ctx context.Context, item *model.EvidenceItem, photo []byte) (*remote.UploadResult, error) {
	f.mu.Lock()
	f.attempts[item.ID]++
	attempt := f.attempts[item.ID]
	f.mu.Unlock()

	if f.script != nil {
		if err := f.script(ctx, item, attempt); err != nil {
			return nil, err
		}
	}
	return &remote.UploadResult{
		ID:          item.ID,
		PhotoRef:    "2026/08/" + item.ID + ".jpg",
		ContentHash: item.ContentHash,
	}, nil
}

func (f *fakeRemote) attemptCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func fastSyncConfig() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.Budget = 10 * time.Second
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.RateBackoffBase = 20 * time.Millisecond
	return cfg
}

// TestSyncAll_Success: все записи выгружаются, очередь пустеет.
func TestSyncAll_Success(t *testing.T) {
	q := testQueue(t)
	for i := 0; i < 5; i++ {
		enqueueItem(t, q, []byte{byte(i)})
	}

	engine := NewSyncEngine(q, newFakeRemote(nil), fastSyncConfig(), testLogger())
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	if result.Succeeded != 5 {
		t.Errorf("Succeeded = %d, ожидалось 5", result.Succeeded)
	}
	if result.Failed != 0 || result.StillPending != 0 {
		t.Errorf("Failed = %d, StillPending = %d, ожидались нули", result.Failed, result.StillPending)
	}

	stats := q.Stats()
	if stats.SyncedCount != 5 || stats.PendingCount != 0 {
		t.Errorf("очередь после запуска: %+v", stats)
	}
}

// TestSyncAll_RetryThenSuccess: временный отказ повторяется и
// завершается успехом в том же запуске.
func TestSyncAll_RetryThenSuccess(t *testing.T) {
	q := testQueue(t)
	item := enqueueItem(t, q, []byte("photo"))

	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		if attempt <= 2 {
			return &remote.UploadError{StatusCode: http.StatusServiceUnavailable, Message: "недоступен"}
		}
		return nil
	})

	engine := NewSyncEngine(q, fake, fastSyncConfig(), testLogger())
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, ожидалось 1", result.Succeeded)
	}
	if got := fake.attemptCount(item.ID); got != 3 {
		t.Errorf("попыток = %d, ожидалось 3", got)
	}
	if q.Stats().SyncedCount != 1 {
		t.Errorf("запись не помечена synced: %+v", q.Stats())
	}
}

// TestSyncAll_FatalError: фатальная ошибка (409) не повторяется.
func TestSyncAll_FatalError(t *testing.T) {
	q := testQueue(t)
	item := enqueueItem(t, q, []byte("photo"))

	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		return &remote.UploadError{
			StatusCode: http.StatusConflict,
			Code:       "VALIDATION_ERROR",
			Message:    "id уже зафиксирован с другим хэшем",
		}
	})

	engine := NewSyncEngine(q, fake, fastSyncConfig(), testLogger())
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	if result.Failed != 1 {
		t.Errorf("Failed = %d, ожидалось 1", result.Failed)
	}
	if got := fake.attemptCount(item.ID); got != 1 {
		t.Errorf("попыток = %d, фатальная ошибка не должна повторяться", got)
	}
	if q.Stats().FailedCount != 1 {
		t.Errorf("запись не переведена в failed: %+v", q.Stats())
	}
}

// TestSyncAll_RetryCeiling: постоянный временный отказ упирается в
// потолок попыток, запись уходит в failed со счётчиком 4.
func TestSyncAll_RetryCeiling(t *testing.T) {
	q := testQueue(t)
	item := enqueueItem(t, q, []byte("photo"))

	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		return &remote.UploadError{StatusCode: http.StatusInternalServerError, Message: "всегда"}
	})

	engine := NewSyncEngine(q, fake, fastSyncConfig(), testLogger())
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	if result.Failed != 1 {
		t.Errorf("Failed = %d, ожидалось 1", result.Failed)
	}
	if got := fake.attemptCount(item.ID); got != 4 {
		t.Errorf("попыток = %d, ожидалось 4 (потолок)", got)
	}

	failed := q.Get(item.ID)
	if failed == nil {
		t.Fatal("запись пропала из очереди")
	}
	if failed.SyncStatus != model.SyncFailed {
		t.Errorf("статус = %s, ожидался failed", failed.SyncStatus)
	}
	if failed.RetryCount != 4 {
		t.Errorf("RetryCount = %d, ожидалось 4", failed.RetryCount)
	}
	if failed.LastError == "" {
		t.Error("LastError пуст")
	}
}

// TestSyncAll_BudgetExpiry: по исчерпании бюджета захваченная запись
// возвращается в pending без инкремента счётчика попыток.
func TestSyncAll_BudgetExpiry(t *testing.T) {
	q := testQueue(t)
	item := enqueueItem(t, q, []byte("photo"))

	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := fastSyncConfig()
	cfg.Budget = 100 * time.Millisecond
	engine := NewSyncEngine(q, fake, cfg, testLogger())
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("неожиданные исходы: %+v", result)
	}
	if result.StillPending != 1 {
		t.Errorf("StillPending = %d, ожидалось 1", result.StillPending)
	}

	pending := q.Get(item.ID)
	if pending.SyncStatus != model.SyncPending {
		t.Errorf("статус = %s, ожидался pending", pending.SyncStatus)
	}
	if pending.RetryCount != 0 {
		t.Errorf("RetryCount = %d, отмена не должна тратить попытку", pending.RetryCount)
	}
}

// TestSyncAll_Concurrent: второй запуск во время первого отклоняется.
func TestSyncAll_Concurrent(t *testing.T) {
	q := testQueue(t)
	enqueueItem(t, q, []byte("photo"))

	started := make(chan struct{})
	release := make(chan struct{})
	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		close(started)
		<-release
		return nil
	})

	engine := NewSyncEngine(q, fake, fastSyncConfig(), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := engine.SyncAll(context.Background()); err != nil {
			t.Errorf("первый запуск вернул ошибку: %v", err)
		}
	}()

	<-started
	if _, err := engine.SyncAll(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("ожидался ErrSyncInProgress, получено: %v", err)
	}
	close(release)
	<-done
}

// TestSyncAll_RateLimitBackoff: после 429 выдерживается пауза из
// rate-limit расписания.
func TestSyncAll_RateLimitBackoff(t *testing.T) {
	q := testQueue(t)
	enqueueItem(t, q, []byte("photo"))

	fake := newFakeRemote(func(ctx context.Context, it *model.EvidenceItem, attempt int) error {
		if attempt == 1 {
			return &remote.UploadError{StatusCode: http.StatusTooManyRequests, Message: "лимит"}
		}
		return nil
	})

	cfg := fastSyncConfig()
	cfg.RateBackoffBase = 150 * time.Millisecond
	engine := NewSyncEngine(q, fake, cfg, testLogger())

	start := time.Now()
	result, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}
	elapsed := time.Since(start)

	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, ожидалось 1", result.Succeeded)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("запуск занял %v, пауза rate-limit не выдержана", elapsed)
	}
}

// TestSyncAll_Progress: callback прогресса доходит до total.
func TestSyncAll_Progress(t *testing.T) {
	q := testQueue(t)
	for i := 0; i < 3; i++ {
		enqueueItem(t, q, []byte{byte(i)})
	}

	var mu sync.Mutex
	var lastDone, lastTotal int
	cfg := fastSyncConfig()
	cfg.Workers = 1
	cfg.OnProgress = func(done, total int) {
		mu.Lock()
		lastDone, lastTotal = done, total
		mu.Unlock()
	}

	engine := NewSyncEngine(q, newFakeRemote(nil), cfg, testLogger())
	if _, err := engine.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll вернул ошибку: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastDone != 3 || lastTotal != 3 {
		t.Errorf("прогресс = %d/%d, ожидалось 3/3", lastDone, lastTotal)
	}
}
