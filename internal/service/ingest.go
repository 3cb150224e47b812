// ingest.go — приём доказательств в центральный реестр.
//
// Приём идемпотентен по ключу (id, content_hash): повторная доставка
// той же записи — не ошибка, а replay; тот же id с другим хэшем —
// конфликт, который агент не должен повторять.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
	"github.com/arturkryukov/proofstore/internal/repository"
	"github.com/arturkryukov/proofstore/internal/storage/filestore"
)

// Prometheus метрики приёма
var (
	// ingestTotal — исходы приёма доказательств.
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_ingest_total",
		Help: "Исходы приёма доказательств",
	}, []string{"outcome"})

	// ingestBytesTotal — принятые байты снимков.
	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ps_ingest_bytes_total",
		Help: "Общий объём принятых снимков в байтах",
	})
)

// IngestError — ошибка приёма с HTTP-кодом.
type IngestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PhotoStore — сохранение снимков в хранилище реестра.
type PhotoStore interface {
	SavePhoto(reader io.Reader, evidenceID, ext string) (*filestore.SaveResult, error)
	Delete(storagePath string) error
}

// IngestParams — параметры приёма доказательства.
type IngestParams struct {
	// ID — идентификатор записи, назначенный при съёмке (UUID)
	ID string
	// TaskID — задача, к которой относится снимок
	TaskID string
	// JobID — наряд задачи
	JobID string
	// Photo — байты снимка
	Photo []byte
	// CapturedAt — момент съёмки (RFC3339, участвует в хэше побайтно)
	CapturedAt string
	// WorkerID — идентификатор работника из токена
	WorkerID string
	// Stage — этап фиксации (before/during/after)
	Stage string
	// Latitude, Longitude, GPSAccuracyMeters — координаты съёмки
	Latitude          *float64
	Longitude         *float64
	GPSAccuracyMeters *float64
	// ClaimedHash — хэш, заявленный клиентом (сверяется с вычисленным)
	ClaimedHash string
	// Notes — примечание работника
	Notes string
}

// IngestResult — результат приёма.
type IngestResult struct {
	Item *model.EvidenceItem
	// Replay — запись уже существовала с тем же хэшем
	Replay bool
}

// IngestService — сервис приёма доказательств.
type IngestService struct {
	evidence repository.EvidenceRepository
	tasks    repository.TaskRepository
	store    PhotoStore
	logger   *slog.Logger
}

// NewIngestService создаёт сервис приёма.
func NewIngestService(
	evidence repository.EvidenceRepository,
	tasks repository.TaskRepository,
	store PhotoStore,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		evidence: evidence,
		tasks:    tasks,
		store:    store,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// Ingest принимает доказательство.
//
// Поток:
//  1. Валидация параметров
//  2. Вычисление хэша из байтов снимка (заявленному хэшу не доверяем)
//  3. Проверка идемпотентности по (id, content_hash)
//  4. Проверка принадлежности задачи наряду
//  5. Сохранение снимка на диск
//  6. Запись в реестр; при гонке — повторная проверка идемпотентности
func (s *IngestService) Ingest(ctx context.Context, params IngestParams) (*IngestResult, *IngestError) {
	if ingErr := s.validate(params); ingErr != nil {
		ingestTotal.WithLabelValues("rejected").Inc()
		return nil, ingErr
	}

	// Хэш вычисляется из принятых байтов: заявленный клиентом хэш —
	// только контрольная сверка канала доставки
	hash := hashchain.ItemHash(params.Photo, params.CapturedAt, params.WorkerID)
	if params.ClaimedHash != "" && params.ClaimedHash != hash {
		ingestTotal.WithLabelValues("rejected").Inc()
		return nil, &IngestError{
			StatusCode: http.StatusBadRequest,
			Code:       "VALIDATION_ERROR",
			Message:    "заявленный хэш не совпадает с вычисленным из снимка",
		}
	}

	// Идемпотентность до записи на диск
	if existing, err := s.evidence.GetByID(ctx, params.ID); err == nil {
		return s.resolveExisting(existing, hash)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, s.internal("ошибка проверки идемпотентности", err)
	}

	task, err := s.tasks.GetByID(ctx, params.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ingestTotal.WithLabelValues("rejected").Inc()
			return nil, &IngestError{
				StatusCode: http.StatusBadRequest,
				Code:       "VALIDATION_ERROR",
				Message:    fmt.Sprintf("задача %s не существует", params.TaskID),
			}
		}
		return nil, s.internal("ошибка получения задачи", err)
	}
	if task.JobID != params.JobID {
		ingestTotal.WithLabelValues("rejected").Inc()
		return nil, &IngestError{
			StatusCode: http.StatusBadRequest,
			Code:       "VALIDATION_ERROR",
			Message:    "задача не принадлежит указанному наряду",
		}
	}

	saved, err := s.store.SavePhoto(bytes.NewReader(params.Photo), params.ID, ".jpg")
	if err != nil {
		return nil, s.internal("ошибка сохранения снимка", err)
	}

	item := &model.EvidenceItem{
		ID:                params.ID,
		TaskID:            params.TaskID,
		JobID:             params.JobID,
		PhotoRef:          saved.StoragePath,
		PhotoSize:         saved.Size,
		CapturedAt:        params.CapturedAt,
		WorkerID:          params.WorkerID,
		Stage:             model.CaptureStage(params.Stage),
		Latitude:          params.Latitude,
		Longitude:         params.Longitude,
		GPSAccuracyMeters: params.GPSAccuracyMeters,
		ContentHash:       hash,
		SyncStatus:        model.SyncDone,
		Notes:             params.Notes,
	}

	if err := s.evidence.Create(ctx, item); err != nil {
		_ = s.store.Delete(saved.StoragePath)
		if errors.Is(err, repository.ErrConflict) {
			// Гонка двух доставок одной записи: перечитываем и
			// разрешаем как идемпотентный повтор
			existing, getErr := s.evidence.GetByID(ctx, params.ID)
			if getErr != nil {
				return nil, s.internal("ошибка разрешения гонки доставок", getErr)
			}
			return s.resolveExisting(existing, hash)
		}
		return nil, s.internal("ошибка записи доказательства", err)
	}

	ingestTotal.WithLabelValues("accepted").Inc()
	ingestBytesTotal.Add(float64(saved.Size))

	s.logger.Info("Доказательство принято",
		slog.String("id", item.ID),
		slog.String("task_id", item.TaskID),
		slog.String("worker_id", item.WorkerID),
		slog.String("stage", string(item.Stage)),
		slog.Int64("size", item.PhotoSize),
		slog.String("content_hash", hashchain.Truncate(item.ContentHash)),
	)

	return &IngestResult{Item: item}, nil
}

// resolveExisting разрешает повторную доставку существующей записи.
func (s *IngestService) resolveExisting(existing *model.EvidenceItem, hash string) (*IngestResult, *IngestError) {
	if existing.ContentHash == hash {
		ingestTotal.WithLabelValues("replay").Inc()
		s.logger.Debug("Повторная доставка",
			slog.String("id", existing.ID),
		)
		return &IngestResult{Item: existing, Replay: true}, nil
	}
	ingestTotal.WithLabelValues("conflict").Inc()
	s.logger.Warn("Конфликт идемпотентности",
		slog.String("id", existing.ID),
		slog.String("stored", hashchain.Truncate(existing.ContentHash)),
		slog.String("delivered", hashchain.Truncate(hash)),
	)
	return nil, &IngestError{
		StatusCode: http.StatusConflict,
		Code:       "VALIDATION_ERROR",
		Message:    "запись с этим id уже зафиксирована с другим хэшем",
	}
}

func (s *IngestService) validate(params IngestParams) *IngestError {
	bad := func(msg string) *IngestError {
		return &IngestError{
			StatusCode: http.StatusBadRequest,
			Code:       "VALIDATION_ERROR",
			Message:    msg,
		}
	}

	if _, err := uuid.Parse(params.ID); err != nil {
		return bad("id должен быть UUID")
	}
	if params.TaskID == "" || params.JobID == "" {
		return bad("task_id и job_id обязательны")
	}
	if len(params.Photo) == 0 {
		return bad("снимок пуст")
	}
	if params.WorkerID == "" {
		return bad("worker_id обязателен")
	}
	if !model.ValidStage(model.CaptureStage(params.Stage)) {
		return bad(fmt.Sprintf("недопустимый этап %q", params.Stage))
	}
	if _, err := time.Parse(time.RFC3339, params.CapturedAt); err != nil {
		return bad("captured_at должен быть в формате RFC3339")
	}
	if (params.Latitude == nil) != (params.Longitude == nil) {
		return bad("координаты задаются парой")
	}
	if params.Latitude != nil {
		if *params.Latitude < -90 || *params.Latitude > 90 {
			return bad("широта вне диапазона")
		}
		if *params.Longitude < -180 || *params.Longitude > 180 {
			return bad("долгота вне диапазона")
		}
	}
	return nil
}

func (s *IngestService) internal(msg string, err error) *IngestError {
	s.logger.Error(msg, slog.String("error", err.Error()))
	return &IngestError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "Внутренняя ошибка при приёме доказательства",
	}
}
