package agent

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

func validParams() CaptureParams {
	return CaptureParams{
		TaskID:     "task-1",
		JobID:      "job-1",
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
		WorkerID:   "worker-1",
		Stage:      model.StageBefore,
	}
}

// TestCapture_DiskErrorIsNotLimit: ошибка записи на диск — не отказ
// по бюджету, метрика учитывает её отдельным исходом.
func TestCapture_DiskErrorIsNotLimit(t *testing.T) {
	q, err := queue.Open(t.TempDir(), queue.Limits{}, testLogger())
	if err != nil {
		t.Fatalf("не удалось открыть очередь: %v", err)
	}
	svc := NewCaptureService(q, testLogger())

	errBefore := testutil.ToFloat64(capturesTotal.WithLabelValues("error"))
	limitBefore := testutil.ToFloat64(capturesTotal.WithLabelValues("limit"))

	// Каталог очереди исчез — запись фотографии провалится
	if err := os.RemoveAll(q.Dir()); err != nil {
		t.Fatalf("не удалось удалить каталог очереди: %v", err)
	}

	_, err = svc.Capture(validParams(), []byte("снимок"))
	if err == nil {
		t.Fatal("ожидалась ошибка записи")
	}
	if errors.Is(err, queue.ErrLimitExceeded) {
		t.Fatalf("ошибка записи не должна быть ErrLimitExceeded: %v", err)
	}

	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("error")); got != errBefore+1 {
		t.Errorf("capturesTotal{error} = %v, ожидалось %v", got, errBefore+1)
	}
	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("limit")); got != limitBefore {
		t.Errorf("capturesTotal{limit} = %v, ожидалось %v без изменений", got, limitBefore)
	}
}

// TestCapture_LimitMetric: отказ по потолку очереди учитывается
// исходом limit.
func TestCapture_LimitMetric(t *testing.T) {
	q, err := queue.Open(t.TempDir(), queue.Limits{MaxItems: 1}, testLogger())
	if err != nil {
		t.Fatalf("не удалось открыть очередь: %v", err)
	}
	svc := NewCaptureService(q, testLogger())

	if _, err := svc.Capture(validParams(), []byte("первый")); err != nil {
		t.Fatalf("первый захват должен пройти: %v", err)
	}

	limitBefore := testutil.ToFloat64(capturesTotal.WithLabelValues("limit"))

	_, err = svc.Capture(validParams(), []byte("второй"))
	if !errors.Is(err, queue.ErrLimitExceeded) {
		t.Fatalf("ожидался ErrLimitExceeded, получено: %v", err)
	}
	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("limit")); got != limitBefore+1 {
		t.Errorf("capturesTotal{limit} = %v, ожидалось %v", got, limitBefore+1)
	}
}
