// capture.go — приём снимка в локальную очередь агента.
//
// Захват фиксирует доказательство в момент съёмки: присваивает id,
// вычисляет ContentHash над байтами фотографии и proof-метаданными
// и кладёт элемент в durable-очередь. Сервер в этот момент недоступен
// или не нужен: отправку выполняет sync-движок.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

// capturesTotal — количество захватов по исходам.
var capturesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pa_captures_total",
		Help: "Общее количество захватов по исходам",
	},
	[]string{"outcome"},
)

// CaptureError — ошибка захвата, транслируемая в HTTP-ответ.
type CaptureError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CaptureParams — метаданные снимка от UI захвата.
type CaptureParams struct {
	TaskID            string
	JobID             string
	CapturedAt        string
	WorkerID          string
	Stage             model.CaptureStage
	Latitude          *float64
	Longitude         *float64
	GPSAccuracyMeters *float64
	Notes             string
}

// CaptureService — приём снимков в очередь.
type CaptureService struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewCaptureService создаёт сервис захвата.
func NewCaptureService(q *queue.Queue, logger *slog.Logger) *CaptureService {
	return &CaptureService{
		queue:  q,
		logger: logger.With(slog.String("component", "capture")),
	}
}

// Capture валидирует метаданные, вычисляет хэш и ставит элемент
// в очередь. При исчерпании бюджета очереди возвращает
// queue.ErrLimitExceeded: снимок не принимается, старые записи
// не вытесняются.
func (c *CaptureService) Capture(params CaptureParams, photo []byte) (*model.EvidenceItem, error) {
	if cerr := c.validate(params, photo); cerr != nil {
		capturesTotal.WithLabelValues("rejected").Inc()
		return nil, cerr
	}

	item := &model.EvidenceItem{
		ID:                uuid.New().String(),
		TaskID:            params.TaskID,
		JobID:             params.JobID,
		CapturedAt:        params.CapturedAt,
		WorkerID:          params.WorkerID,
		Stage:             params.Stage,
		Latitude:          params.Latitude,
		Longitude:         params.Longitude,
		GPSAccuracyMeters: params.GPSAccuracyMeters,
		Notes:             params.Notes,
		ContentHash:       hashchain.ItemHash(photo, params.CapturedAt, params.WorkerID),
	}

	if err := c.queue.Enqueue(item, photo); err != nil {
		if errors.Is(err, queue.ErrLimitExceeded) {
			capturesTotal.WithLabelValues("limit").Inc()
		} else {
			capturesTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	capturesTotal.WithLabelValues("accepted").Inc()
	c.logger.Info("Снимок принят в очередь",
		slog.String("id", item.ID),
		slog.String("task_id", item.TaskID),
		slog.String("stage", string(item.Stage)),
		slog.Int64("size", item.PhotoSize),
		slog.String("content_hash", hashchain.Truncate(item.ContentHash)),
	)
	return item, nil
}

func (c *CaptureService) validate(params CaptureParams, photo []byte) *CaptureError {
	bad := func(msg string) *CaptureError {
		return &CaptureError{
			StatusCode: http.StatusBadRequest,
			Code:       "VALIDATION_ERROR",
			Message:    msg,
		}
	}

	if len(photo) == 0 {
		return bad("фотография пуста")
	}
	if params.TaskID == "" || params.JobID == "" {
		return bad("поля task_id и job_id обязательны")
	}
	if params.WorkerID == "" {
		return bad("поле worker_id обязательно")
	}
	if !model.ValidStage(params.Stage) {
		return bad("недопустимый этап: допустимые before, during, after")
	}
	if _, err := time.Parse(time.RFC3339, params.CapturedAt); err != nil {
		return bad("поле captured_at должно быть временем RFC3339")
	}
	if (params.Latitude == nil) != (params.Longitude == nil) {
		return bad("координаты задаются парой latitude+longitude")
	}
	if params.Latitude != nil {
		if *params.Latitude < -90 || *params.Latitude > 90 {
			return bad("latitude вне диапазона [-90, 90]")
		}
		if *params.Longitude < -180 || *params.Longitude > 180 {
			return bad("longitude вне диапазона [-180, 180]")
		}
	}
	return nil
}
