// handlers.go — loopback HTTP API агента для UI захвата.
//
// API слушает только localhost: аутентификации нет, доступ ограничен
// самим устройством. Ошибки — в том же формате, что и у реестра.
package agent

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/proofstore/internal/api/errors"
	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/service"
	"github.com/arturkryukov/proofstore/internal/storage/queue"
)

// maxCaptureSize — потолок размера multipart-запроса захвата.
const maxCaptureSize = 32 << 20

// Handler — обработчики loopback API агента.
type Handler struct {
	capture *CaptureService
	queue   *queue.Queue
	sync    *service.SyncEngine
	logger  *slog.Logger
}

// NewHandler создаёт обработчики агента.
func NewHandler(capture *CaptureService, q *queue.Queue, sync *service.SyncEngine, logger *slog.Logger) *Handler {
	return &Handler{
		capture: capture,
		queue:   q,
		sync:    sync,
		logger:  logger.With(slog.String("component", "agent_handler")),
	}
}

// captureMetadata — JSON-часть multipart-запроса захвата.
type captureMetadata struct {
	TaskID            string   `json:"task_id"`
	JobID             string   `json:"job_id"`
	CapturedAt        string   `json:"captured_at"`
	WorkerID          string   `json:"worker_id"`
	Stage             string   `json:"stage"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	GPSAccuracyMeters *float64 `json:"gps_accuracy_meters,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// itemResponse — элемент очереди в ответах API.
type itemResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	JobID       string `json:"job_id"`
	CapturedAt  string `json:"captured_at"`
	WorkerID    string `json:"worker_id"`
	Stage       string `json:"stage"`
	PhotoSize   int64  `json:"photo_size"`
	ContentHash string `json:"content_hash"`
	SyncStatus  string `json:"sync_status"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func toItemResponse(item *model.EvidenceItem) itemResponse {
	return itemResponse{
		ID:          item.ID,
		TaskID:      item.TaskID,
		JobID:       item.JobID,
		CapturedAt:  item.CapturedAt,
		WorkerID:    item.WorkerID,
		Stage:       string(item.Stage),
		PhotoSize:   item.PhotoSize,
		ContentHash: item.ContentHash,
		SyncStatus:  string(item.SyncStatus),
		RetryCount:  item.RetryCount,
		LastError:   item.LastError,
		Notes:       item.Notes,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Capture обрабатывает POST /api/v1/capture.
// Multipart: поле metadata (JSON) и файл photo. Исчерпанный бюджет
// очереди — 507, захват блокируется до освобождения места.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCaptureSize)
	if err := r.ParseMultipartForm(maxCaptureSize); err != nil {
		apierrors.ValidationError(w, "Некорректный multipart-запрос")
		return
	}

	var meta captureMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		apierrors.ValidationError(w, "Поле metadata должно быть валидным JSON")
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		apierrors.ValidationError(w, "Файл photo обязателен")
		return
	}
	defer file.Close()

	photo, err := io.ReadAll(file)
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения фотографии")
		return
	}

	item, err := h.capture.Capture(CaptureParams{
		TaskID:            meta.TaskID,
		JobID:             meta.JobID,
		CapturedAt:        meta.CapturedAt,
		WorkerID:          meta.WorkerID,
		Stage:             model.CaptureStage(meta.Stage),
		Latitude:          meta.Latitude,
		Longitude:         meta.Longitude,
		GPSAccuracyMeters: meta.GPSAccuracyMeters,
		Notes:             meta.Notes,
	}, photo)
	if err != nil {
		var cerr *CaptureError
		if errors.As(err, &cerr) {
			apierrors.WriteError(w, cerr.StatusCode, cerr.Code, cerr.Message)
			return
		}
		if errors.Is(err, queue.ErrLimitExceeded) {
			apierrors.StorageLimitExceeded(w, "Бюджет очереди захвата исчерпан, выполните синхронизацию")
			return
		}
		h.logger.Error("Ошибка захвата", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка захвата")
		return
	}

	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

// Stats обрабатывает GET /api/v1/queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// GetItem обрабатывает GET /api/v1/queue/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item := h.queue.Get(chi.URLParam(r, "id"))
	if item == nil {
		apierrors.NotFound(w, "Элемент не найден в очереди")
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

// Sync обрабатывает POST /api/v1/sync.
// Запускает синхронизацию и блокируется до её завершения или
// исчерпания бюджета времени. Параллельный запуск — 409.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.sync.SyncAll(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrSyncInProgress) {
			apierrors.WriteError(w, http.StatusConflict, "SYNC_IN_PROGRESS",
				"Синхронизация уже выполняется")
			return
		}
		h.logger.Error("Ошибка синхронизации", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка синхронизации")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded":        result.Succeeded,
		"failed":           result.Failed,
		"still_pending":    result.StillPending,
		"duration_seconds": result.Duration.Seconds(),
	})
}

// Retry обрабатывает POST /api/v1/queue/{id}/retry.
// Возвращает failed элемент в pending со сброшенным счётчиком попыток.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.RequeueFailed(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			apierrors.NotFound(w, "Элемент не найден в очереди")
			return
		}
		apierrors.ValidationError(w, "Повторить можно только элемент в статусе failed")
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(h.queue.Get(id)))
}

// Purge обрабатывает POST /api/v1/queue/purge.
// Удаляет подтверждённые сервером элементы и освобождает место.
func (h *Handler) Purge(w http.ResponseWriter, _ *http.Request) {
	removed, err := h.queue.PurgeSynced()
	if err != nil {
		h.logger.Error("Ошибка очистки очереди", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка очистки очереди")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"stats":   h.queue.Stats(),
	})
}
