// jobs.go — наряды и задачи.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/proofstore/internal/api/errors"
	"github.com/arturkryukov/proofstore/internal/api/middleware"
	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/repository"
)

// JobsHandler — обработчики нарядов и задач.
type JobsHandler struct {
	jobs   repository.JobRepository
	tasks  repository.TaskRepository
	logger *slog.Logger
}

// NewJobsHandler создаёт обработчики нарядов.
func NewJobsHandler(jobs repository.JobRepository, tasks repository.TaskRepository, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:   jobs,
		tasks:  tasks,
		logger: logger.With(slog.String("component", "jobs_handler")),
	}
}

type jobResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OwnerID   string `json:"owner_id"`
	Reference string `json:"reference,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toJobResponse(job *model.Job) jobResponse {
	return jobResponse{
		ID:        job.ID,
		Title:     job.Title,
		OwnerID:   job.OwnerID,
		Reference: job.Reference,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type taskResponse struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func toTaskResponse(task *model.Task) taskResponse {
	return taskResponse{
		ID:        task.ID,
		JobID:     task.JobID,
		Name:      task.Name,
		CreatedAt: task.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Create обрабатывает POST /api/v1/jobs.
// Владельцем наряда становится subject из токена.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title     string `json:"title"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса")
		return
	}
	if body.Title == "" {
		apierrors.ValidationError(w, "Поле title обязательно")
		return
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		Title:     body.Title,
		OwnerID:   middleware.SubjectFromContext(r.Context()),
		Reference: body.Reference,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.logger.Error("Ошибка создания наряда", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка создания наряда")
		return
	}

	h.logger.Info("Наряд создан",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
	)
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// Get обрабатывает GET /api/v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Наряд не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка получения наряда")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// List обрабатывает GET /api/v1/jobs.
// Возвращает наряды владельца из токена.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := middleware.SubjectFromContext(r.Context())
	jobs, err := h.jobs.ListByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Error("Ошибка выборки нарядов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка выборки нарядов")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": out,
		"total": len(out),
	})
}

// CreateTask обрабатывает POST /api/v1/jobs/{id}/tasks.
// Задачу может добавить только владелец наряда.
func (h *JobsHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Наряд не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка получения наряда")
		return
	}
	if job.OwnerID != middleware.SubjectFromContext(r.Context()) {
		apierrors.Forbidden(w, "Задачи добавляет только владелец наряда")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		apierrors.ValidationError(w, "Поле name обязательно")
		return
	}

	task := &model.Task{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Name:      body.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.tasks.Create(r.Context(), task); err != nil {
		h.logger.Error("Ошибка создания задачи", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка создания задачи")
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

// ListTasks обрабатывает GET /api/v1/jobs/{id}/tasks.
func (h *JobsHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("Ошибка выборки задач", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка выборки задач")
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskResponse(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": out,
		"total": len(out),
	})
}
