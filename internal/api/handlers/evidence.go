// Пакет handlers — HTTP-обработчики API реестра.
// evidence.go — приём и чтение доказательств.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/proofstore/internal/api/errors"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/repository"
	"github.com/arturkryukov/proofstore/internal/service"
)

// maxUploadSize — потолок размера multipart-запроса приёма (32 МиБ).
const maxUploadSize = 32 << 20

// EvidenceHandler — обработчики доказательств.
type EvidenceHandler struct {
	ingest   *service.IngestService
	identity *service.IdentityService
	evidence repository.EvidenceRepository
	store    *FileServer
	logger   *slog.Logger
}

// FileServer — отдача снимков из хранилища реестра.
type FileServer struct {
	open func(storagePath string) (io.ReadCloser, error)
}

// NewFileServer создаёт отдачу снимков поверх функции открытия.
func NewFileServer(open func(storagePath string) (io.ReadCloser, error)) *FileServer {
	return &FileServer{open: open}
}

// NewEvidenceHandler создаёт обработчики доказательств.
func NewEvidenceHandler(
	ingest *service.IngestService,
	identity *service.IdentityService,
	evidence repository.EvidenceRepository,
	store *FileServer,
	logger *slog.Logger,
) *EvidenceHandler {
	return &EvidenceHandler{
		ingest:   ingest,
		identity: identity,
		evidence: evidence,
		store:    store,
		logger:   logger.With(slog.String("component", "evidence_handler")),
	}
}

// evidenceResponse — JSON-представление доказательства.
type evidenceResponse struct {
	ID                string   `json:"id"`
	TaskID            string   `json:"task_id"`
	JobID             string   `json:"job_id"`
	PhotoRef          string   `json:"photo_ref"`
	PhotoSize         int64    `json:"photo_size"`
	CapturedAt        string   `json:"captured_at"`
	WorkerID          string   `json:"worker_id"`
	Stage             string   `json:"stage"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	GPSAccuracyMeters *float64 `json:"gps_accuracy_meters,omitempty"`
	ContentHash       string   `json:"content_hash"`
	Notes             string   `json:"notes,omitempty"`
	Replay            bool     `json:"replay,omitempty"`
}

func toEvidenceResponse(item *model.EvidenceItem, replay bool) evidenceResponse {
	return evidenceResponse{
		ID:                item.ID,
		TaskID:            item.TaskID,
		JobID:             item.JobID,
		PhotoRef:          item.PhotoRef,
		PhotoSize:         item.PhotoSize,
		CapturedAt:        item.CapturedAt,
		WorkerID:          item.WorkerID,
		Stage:             string(item.Stage),
		Latitude:          item.Latitude,
		Longitude:         item.Longitude,
		GPSAccuracyMeters: item.GPSAccuracyMeters,
		ContentHash:       item.ContentHash,
		Notes:             item.Notes,
		Replay:            replay,
	}
}

// uploadMetadata — поле metadata multipart-запроса приёма.
type uploadMetadata struct {
	ID                string   `json:"id"`
	TaskID            string   `json:"task_id"`
	JobID             string   `json:"job_id"`
	CapturedAt        string   `json:"captured_at"`
	WorkerID          string   `json:"worker_id"`
	Stage             string   `json:"stage"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	GPSAccuracyMeters *float64 `json:"gps_accuracy_meters,omitempty"`
	ContentHash       string   `json:"content_hash"`
	Notes             string   `json:"notes,omitempty"`
}

// Upload обрабатывает POST /api/v1/evidence.
// Multipart: metadata (JSON) + photo (байты снимка). Идемпотентен по
// (id, content_hash): повторная доставка отвечает 200 с replay=true.
func (h *EvidenceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data с полями metadata и photo")
		return
	}

	var meta uploadMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		apierrors.ValidationError(w, "Поле metadata должно содержать JSON")
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		apierrors.ValidationError(w, "Поле photo отсутствует")
		return
	}
	defer file.Close()
	photo, err := io.ReadAll(file)
	if err != nil {
		apierrors.InternalError(w, "Не удалось прочитать снимок")
		return
	}

	// Запись привязывается к работнику из токена, а не из метаданных
	subject := middleware.SubjectFromContext(r.Context())
	worker, err := h.identity.Resolve(r.Context(), subject, "")
	if err != nil {
		h.logger.Error("Ошибка резолва работника", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось определить работника")
		return
	}
	if meta.WorkerID != "" && meta.WorkerID != worker.Subject {
		apierrors.Forbidden(w, "worker_id в метаданных не совпадает с токеном")
		return
	}

	result, ingErr := h.ingest.Ingest(r.Context(), service.IngestParams{
		ID:                meta.ID,
		TaskID:            meta.TaskID,
		JobID:             meta.JobID,
		Photo:             photo,
		CapturedAt:        meta.CapturedAt,
		WorkerID:          worker.Subject,
		Stage:             meta.Stage,
		Latitude:          meta.Latitude,
		Longitude:         meta.Longitude,
		GPSAccuracyMeters: meta.GPSAccuracyMeters,
		ClaimedHash:       meta.ContentHash,
		Notes:             meta.Notes,
	})
	if ingErr != nil {
		apierrors.WriteError(w, ingErr.StatusCode, ingErr.Code, ingErr.Message)
		return
	}

	status := http.StatusCreated
	if result.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, toEvidenceResponse(result.Item, result.Replay))
}

// Get обрабатывает GET /api/v1/evidence/{id}.
func (h *EvidenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.evidence.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Доказательство не найдено")
			return
		}
		h.logger.Error("Ошибка получения доказательства", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка получения доказательства")
		return
	}
	writeJSON(w, http.StatusOK, toEvidenceResponse(item, false))
}

// Photo обрабатывает GET /api/v1/evidence/{id}/photo.
// Отдаёт байты снимка как есть.
func (h *EvidenceHandler) Photo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.evidence.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Доказательство не найдено")
			return
		}
		apierrors.InternalError(w, "Ошибка получения доказательства")
		return
	}

	reader, err := h.store.open(item.PhotoRef)
	if err != nil {
		h.logger.Error("Снимок недоступен",
			slog.String("id", id),
			slog.String("photo_ref", item.PhotoRef),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Снимок недоступен")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

// UpdateNotes обрабатывает PATCH /api/v1/evidence/{id}/notes.
// Примечание — единственное изменяемое поле записи: байты снимка и
// хэшируемые метаданные после приёма не меняются.
func (h *EvidenceHandler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Тело запроса должно содержать поле notes")
		return
	}

	if err := h.evidence.UpdateNotes(r.Context(), id, body.Notes); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Доказательство не найдено")
			return
		}
		h.logger.Error("Ошибка обновления примечания", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка обновления примечания")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListByTask обрабатывает GET /api/v1/tasks/{id}/evidence.
func (h *EvidenceHandler) ListByTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	items, err := h.evidence.ListByTask(r.Context(), taskID)
	if err != nil {
		h.logger.Error("Ошибка выборки доказательств", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка выборки доказательств")
		return
	}

	out := make([]evidenceResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toEvidenceResponse(item, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": out,
		"total": len(out),
	})
}

// writeJSON сериализует ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
