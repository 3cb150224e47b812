// packs.go — аудит-пакеты: генерация, скачивание, выдача доступа
// и публичная проверка.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/proofstore/internal/api/errors"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/repository"
	"github.com/arturkryukov/proofstore/internal/service"
)

// PacksHandler — обработчики аудит-пакетов.
type PacksHandler struct {
	assembler *service.AuditPackAssembler
	verifier  *service.VerificationService
	jobs      repository.JobRepository
	logger    *slog.Logger
}

// NewPacksHandler создаёт обработчики пакетов.
func NewPacksHandler(
	assembler *service.AuditPackAssembler,
	verifier *service.VerificationService,
	jobs repository.JobRepository,
	logger *slog.Logger,
) *PacksHandler {
	return &PacksHandler{
		assembler: assembler,
		verifier:  verifier,
		jobs:      jobs,
		logger:    logger.With(slog.String("component", "packs_handler")),
	}
}

type packResponse struct {
	ID            string   `json:"id"`
	JobID         string   `json:"job_id"`
	GeneratedAt   string   `json:"generated_at"`
	EvidenceCount int      `json:"evidence_count"`
	PackHash      string   `json:"pack_hash,omitempty"`
	HashPresent   bool     `json:"hash_present"`
	DownloadedAt  *string  `json:"downloaded_at,omitempty"`
	SharedWith    []string `json:"shared_with,omitempty"`
}

func toPackResponse(pack *model.AuditPack) packResponse {
	resp := packResponse{
		ID:            pack.ID,
		JobID:         pack.JobID,
		GeneratedAt:   pack.GeneratedAt,
		EvidenceCount: pack.EvidenceCount,
		PackHash:      pack.PackHash,
		HashPresent:   pack.HasHash(),
		SharedWith:    pack.SharedWith,
	}
	if pack.DownloadedAt != nil {
		at := pack.DownloadedAt.UTC().Format(time.RFC3339)
		resp.DownloadedAt = &at
	}
	return resp
}

// requireOwner проверяет, что запрос пришёл от владельца наряда.
func (h *PacksHandler) requireOwner(w http.ResponseWriter, r *http.Request, jobID string) bool {
	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Наряд не найден")
			return false
		}
		apierrors.InternalError(w, "Ошибка получения наряда")
		return false
	}
	if job.OwnerID != middleware.SubjectFromContext(r.Context()) {
		apierrors.Forbidden(w, "Пакеты генерирует только владелец наряда")
		return false
	}
	return true
}

// Generate обрабатывает POST /api/v1/jobs/{id}/packs.
// Только владелец наряда; на маршруте стоит rate limit.
func (h *PacksHandler) Generate(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !h.requireOwner(w, r, jobID) {
		return
	}

	pack, err := h.assembler.Generate(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			apierrors.NotFound(w, "Наряд не найден")
			return
		}
		h.logger.Error("Ошибка генерации пакета", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка генерации пакета")
		return
	}
	writeJSON(w, http.StatusCreated, toPackResponse(pack))
}

// ListByJob обрабатывает GET /api/v1/jobs/{id}/packs.
func (h *PacksHandler) ListByJob(w http.ResponseWriter, r *http.Request) {
	packs, err := h.assembler.ListByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("Ошибка выборки пакетов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка выборки пакетов")
		return
	}

	out := make([]packResponse, 0, len(packs))
	for _, pack := range packs {
		out = append(out, toPackResponse(pack))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": out,
		"total": len(out),
	})
}

// Get обрабатывает GET /api/v1/packs/{id}.
func (h *PacksHandler) Get(w http.ResponseWriter, r *http.Request) {
	pack, err := h.assembler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrPackNotFound) {
			apierrors.NotFound(w, "Пакет не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка получения пакета")
		return
	}
	writeJSON(w, http.StatusOK, toPackResponse(pack))
}

// Download обрабатывает GET /api/v1/packs/{id}/download.
// Отдаёт манифест пакета и фиксирует момент первого скачивания.
func (h *PacksHandler) Download(w http.ResponseWriter, r *http.Request) {
	packID := chi.URLParam(r, "id")
	manifest, err := h.assembler.Manifest(r.Context(), packID)
	if err != nil {
		if errors.Is(err, service.ErrPackNotFound) {
			apierrors.NotFound(w, "Пакет не найден")
			return
		}
		h.logger.Error("Ошибка сборки манифеста", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка сборки манифеста")
		return
	}

	if err := h.assembler.MarkDownloaded(r.Context(), packID); err != nil {
		// Манифест собран, фиксация скачивания — best effort
		h.logger.Error("Ошибка фиксации скачивания",
			slog.String("pack_id", packID),
			slog.String("error", err.Error()),
		)
	}

	items := make([]evidenceResponse, 0, len(manifest.Items))
	for _, item := range manifest.Items {
		items = append(items, toEvidenceResponse(item, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pack":     toPackResponse(manifest.Pack),
		"evidence": items,
	})
}

// Share обрабатывает POST /api/v1/packs/{id}/share.
func (h *PacksHandler) Share(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Recipient == "" {
		apierrors.ValidationError(w, "Поле recipient обязательно")
		return
	}

	if err := h.assembler.Share(r.Context(), chi.URLParam(r, "id"), body.Recipient); err != nil {
		if errors.Is(err, service.ErrPackNotFound) {
			apierrors.NotFound(w, "Пакет не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка выдачи доступа")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// verificationResponse — публичный отчёт проверки пакета.
type verificationResponse struct {
	PackID         string         `json:"pack_id"`
	JobID          string         `json:"job_id"`
	Verified       bool           `json:"verified"`
	HashValid      bool           `json:"hash_valid"`
	HashPresent    bool           `json:"hash_present"`
	GPSVerified    bool           `json:"gps_verified"`
	ComputedHash   string         `json:"computed_hash,omitempty"`
	EvidenceCount  int            `json:"evidence_count"`
	Geo            *geoResponse   `json:"geo,omitempty"`
	StageBreakdown map[string]int `json:"stage_breakdown"`
	GeneratedAt    string         `json:"generated_at"`
	VerifiedAt     string         `json:"verified_at"`
}

type geoResponse struct {
	CentroidLat  float64 `json:"centroid_lat"`
	CentroidLon  float64 `json:"centroid_lon"`
	RadiusMeters int     `json:"radius_meters"`
	PointCount   int     `json:"point_count"`
}

// Verify обрабатывает GET /api/v1/packs/{id}/verify.
// Публичный endpoint: аудитор проверяет пакет без токена.
// Несуществующий пакет — 404; проваленная проверка — 200 с
// verified=false.
func (h *PacksHandler) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.verifier.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrPackNotFound) {
			apierrors.NotFound(w, "Пакет не найден")
			return
		}
		h.logger.Error("Ошибка проверки пакета", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка проверки пакета")
		return
	}

	resp := verificationResponse{
		PackID:         result.PackID,
		JobID:          result.JobID,
		Verified:       result.Verified,
		HashValid:      result.HashValid,
		HashPresent:    result.HashPresent,
		GPSVerified:    result.GPSVerified,
		ComputedHash:   result.ComputedHash,
		EvidenceCount:  result.EvidenceCount,
		GeneratedAt:    result.GeneratedAt,
		VerifiedAt:     result.VerifiedAt,
		StageBreakdown: make(map[string]int, len(result.StageBreakdown)),
	}
	for stage, count := range result.StageBreakdown {
		resp.StageBreakdown[string(stage)] = count
	}
	if result.Geo != nil {
		resp.Geo = &geoResponse{
			CentroidLat:  result.Geo.CentroidLat,
			CentroidLon:  result.Geo.CentroidLon,
			RadiusMeters: result.Geo.RadiusMeters,
			PointCount:   result.Geo.PointCount,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
