package queue

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newItem(t *testing.T, photo []byte) *model.EvidenceItem {
	t.Helper()
	capturedAt := time.Now().UTC().Format(time.RFC3339)
	return &model.EvidenceItem{
		ID:          uuid.New().String(),
		TaskID:      "task-1",
		JobID:       "job-1",
		CapturedAt:  capturedAt,
		WorkerID:    "W1",
		Stage:       model.StageDuring,
		ContentHash: hashchain.ItemHash(photo, capturedAt, "W1"),
	}
}

// TestOpen_CreatesDirectory проверяет создание директории очереди.
func TestOpen_CreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/queue"

	q, err := Open(dir, Limits{}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}
	if q.Dir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, q.Dir())
	}
}

// TestEnqueue_Dequeue проверяет базовый цикл: постановка, захват, подтверждение.
func TestEnqueue_Dequeue(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}

	photo := []byte("jpeg data")
	item := newItem(t, photo)
	if err := q.Enqueue(item, photo); err != nil {
		t.Fatalf("ошибка постановки в очередь: %v", err)
	}

	got, err := q.DequeueNext()
	if err != nil {
		t.Fatalf("ошибка захвата: %v", err)
	}
	if got == nil || got.ID != item.ID {
		t.Fatalf("захвачен не тот элемент: %+v", got)
	}
	if got.SyncStatus != model.SyncInFlight {
		t.Errorf("захваченный элемент должен быть syncing, получен %s", got.SyncStatus)
	}

	// Повторный захват не возвращает тот же элемент
	second, err := q.DequeueNext()
	if err != nil {
		t.Fatalf("ошибка повторного захвата: %v", err)
	}
	if second != nil {
		t.Errorf("элемент захвачен дважды: %s", second.ID)
	}

	// Байты фотографии читаются обратно
	data, err := q.Photo(item.ID)
	if err != nil {
		t.Fatalf("ошибка чтения фотографии: %v", err)
	}
	if string(data) != string(photo) {
		t.Error("байты фотографии не совпадают")
	}

	if err := q.MarkSynced(item.ID, "remote/ref.jpg"); err != nil {
		t.Fatalf("ошибка подтверждения: %v", err)
	}
	if got := q.Get(item.ID); got.SyncStatus != model.SyncDone || got.PhotoRef != "remote/ref.jpg" {
		t.Errorf("после MarkSynced: %+v", got)
	}
}

// TestDequeueNext_OldestFirst проверяет порядок выдачи: старые первыми.
func TestDequeueNext_OldestFirst(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}

	older := newItem(t, []byte("a"))
	older.EnqueuedAt = time.Now().UTC().Add(-time.Hour)
	newer := newItem(t, []byte("b"))
	newer.EnqueuedAt = time.Now().UTC()

	// Ставим в обратном порядке
	if err := q.Enqueue(newer, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(older, []byte("a")); err != nil {
		t.Fatal(err)
	}

	got, err := q.DequeueNext()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != older.ID {
		t.Errorf("ожидался самый старый элемент %s, получен %s", older.ID, got.ID)
	}
}

// TestEnqueue_CountLimit проверяет отклонение по потолку количества
// и неизменность состояния после отказа.
func TestEnqueue_CountLimit(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{MaxItems: 1}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}

	if err := q.Enqueue(newItem(t, []byte("x")), []byte("x")); err != nil {
		t.Fatalf("первый элемент должен приниматься: %v", err)
	}

	before := q.Stats()
	rejected := newItem(t, []byte("y"))
	err = q.Enqueue(rejected, []byte("y"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("ожидался ErrLimitExceeded, получено %v", err)
	}

	after := q.Stats()
	if after.ItemCount != before.ItemCount || after.TotalBytes != before.TotalBytes ||
		after.PendingCount != before.PendingCount {
		t.Errorf("состояние изменилось после отказа: %+v != %+v", after, before)
	}
	if q.Get(rejected.ID) != nil {
		t.Error("отклонённый элемент не должен попадать в индекс")
	}
	if _, err := q.Photo(rejected.ID); !errors.Is(err, ErrNotFound) {
		t.Error("файл фотографии отклонённого элемента не должен существовать")
	}
}

// TestEnqueue_ByteLimit проверяет отклонение по потолку байтов.
func TestEnqueue_ByteLimit(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{MaxBytes: 10}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}

	if err := q.Enqueue(newItem(t, []byte("12345678")), []byte("12345678")); err != nil {
		t.Fatalf("8 байт при потолке 10 должны приниматься: %v", err)
	}

	err = q.Enqueue(newItem(t, []byte("123")), []byte("123"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("11 байт при потолке 10: ожидался ErrLimitExceeded, получено %v", err)
	}
}

// TestRetryFlow проверяет машину состояний: retryable ошибки до потолка
// попыток, затем failed с сохранением retryCount, затем ручной retry.
func TestRetryFlow(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("ошибка открытия очереди: %v", err)
	}

	item := newItem(t, []byte("p"))
	if err := q.Enqueue(item, []byte("p")); err != nil {
		t.Fatal(err)
	}

	const ceiling = 4
	for attempt := 1; attempt <= ceiling; attempt++ {
		got, err := q.DequeueNext()
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("попытка %d: элемент недоступен", attempt)
		}

		if attempt < ceiling {
			if err := q.MarkRetry(item.ID, "таймаут сети"); err != nil {
				t.Fatal(err)
			}
		} else {
			if err := q.MarkFailed(item.ID, "исчерпан потолок попыток"); err != nil {
				t.Fatal(err)
			}
		}
	}

	got := q.Get(item.ID)
	if got.SyncStatus != model.SyncFailed {
		t.Fatalf("ожидался статус failed, получен %s", got.SyncStatus)
	}
	if got.RetryCount != ceiling {
		t.Errorf("ожидался retryCount=%d, получен %d", ceiling, got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("lastError должен быть заполнен")
	}

	// failed не удаляется и доступен для ручного retry
	if err := q.RequeueFailed(item.ID); err != nil {
		t.Fatalf("ошибка ручного retry: %v", err)
	}
	if got := q.Get(item.ID); got.SyncStatus != model.SyncPending || got.RetryCount != 0 {
		t.Errorf("после RequeueFailed: %+v", got)
	}
}

// TestReleaseSyncing проверяет откат при отмене: syncing → pending
// без инкремента попыток.
func TestReleaseSyncing(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	item := newItem(t, []byte("p"))
	if err := q.Enqueue(item, []byte("p")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(); err != nil {
		t.Fatal(err)
	}

	if err := q.ReleaseSyncing(item.ID); err != nil {
		t.Fatalf("ошибка отката: %v", err)
	}
	got := q.Get(item.ID)
	if got.SyncStatus != model.SyncPending {
		t.Errorf("ожидался pending, получен %s", got.SyncStatus)
	}
	if got.RetryCount != 0 {
		t.Errorf("откат не должен увеличивать retryCount: %d", got.RetryCount)
	}
}

// TestTransition_WrongState проверяет защиту переходов.
func TestTransition_WrongState(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	item := newItem(t, []byte("p"))
	if err := q.Enqueue(item, []byte("p")); err != nil {
		t.Fatal(err)
	}

	// pending → synced без захвата недопустимо
	if err := q.MarkSynced(item.ID, "ref"); err == nil {
		t.Error("MarkSynced из pending должен быть ошибкой")
	}
	// retry несуществующего элемента
	if err := q.MarkRetry("no-such-id", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound, получено %v", err)
	}
}

// TestRestart_Recovery проверяет восстановление после рестарта:
// индекс пересобирается, syncing откатывается в pending.
func TestRestart_Recovery(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, Limits{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	inFlight := newItem(t, []byte("a"))
	pending := newItem(t, []byte("b"))
	if err := q.Enqueue(inFlight, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(pending, []byte("b")); err != nil {
		t.Fatal(err)
	}
	// Захватываем первый и «умираем» посреди отправки
	if _, err := q.DequeueNext(); err != nil {
		t.Fatal(err)
	}

	// Рестарт: новая очередь над той же директорией
	q2, err := Open(dir, Limits{}, testLogger())
	if err != nil {
		t.Fatalf("ошибка повторного открытия: %v", err)
	}

	st := q2.Stats()
	if st.ItemCount != 2 {
		t.Fatalf("ожидалось 2 элемента после рестарта, получено %d", st.ItemCount)
	}
	if st.PendingCount != 2 {
		t.Errorf("оба элемента должны быть pending, получено %d", st.PendingCount)
	}

	got := q2.Get(inFlight.ID)
	if got.SyncStatus != model.SyncPending {
		t.Errorf("syncing элемент должен откатиться в pending, получен %s", got.SyncStatus)
	}
}

// TestPurgeSynced проверяет явную очистку подтверждённых элементов.
func TestPurgeSynced(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	synced := newItem(t, []byte("a"))
	synced.EnqueuedAt = time.Now().UTC().Add(-time.Minute)
	kept := newItem(t, []byte("b"))
	if err := q.Enqueue(synced, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(kept, []byte("b")); err != nil {
		t.Fatal(err)
	}

	// Доводим более старый элемент до synced
	got, err := q.DequeueNext()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != synced.ID {
		t.Fatalf("ожидался захват %s, получено %+v", synced.ID, got)
	}
	if err := q.MarkSynced(got.ID, "ref"); err != nil {
		t.Fatal(err)
	}

	purged, err := q.PurgeSynced()
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if purged != 1 {
		t.Errorf("ожидался 1 удалённый элемент, получено %d", purged)
	}
	if q.Get(synced.ID) != nil {
		t.Error("подтверждённый элемент должен быть удалён")
	}
	if q.Get(kept.ID) == nil {
		t.Error("неподтверждённый элемент не должен удаляться")
	}
	if _, err := q.Photo(synced.ID); !errors.Is(err, ErrNotFound) {
		t.Error("файл фотографии должен быть удалён")
	}
}

// TestStats проверяет введение статистики.
func TestStats(t *testing.T) {
	q, err := Open(t.TempDir(), Limits{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if st := q.Stats(); st.ItemCount != 0 || st.OldestPendingAt != nil {
		t.Errorf("пустая очередь: %+v", st)
	}

	item := newItem(t, []byte("12345"))
	item.EnqueuedAt = time.Date(2026, 1, 24, 9, 0, 0, 0, time.UTC)
	if err := q.Enqueue(item, []byte("12345")); err != nil {
		t.Fatal(err)
	}

	st := q.Stats()
	if st.ItemCount != 1 || st.PendingCount != 1 {
		t.Errorf("счётчики: %+v", st)
	}
	if st.TotalBytes != 5 {
		t.Errorf("ожидалось 5 байт, получено %d", st.TotalBytes)
	}
	if st.OldestPendingAt == nil || !st.OldestPendingAt.Equal(item.EnqueuedAt) {
		t.Errorf("oldestPendingAt: %v", st.OldestPendingAt)
	}
}
