// assemble.go — сборка аудит-пакетов.
//
// Пакет фиксирует снимок доказательств наряда на момент генерации:
// количество записей, момент генерации и хэш пакета. Повторная
// генерация всегда создаёт новый пакет, старые не перезаписываются.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/hashchain"
	"github.com/arturkryukov/proofstore/internal/repository"
)

// packsGeneratedTotal — количество собранных пакетов.
var packsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ps_packs_generated_total",
	Help: "Общее количество собранных аудит-пакетов",
})

// ErrJobNotFound — наряд не существует.
var ErrJobNotFound = errors.New("наряд не найден")

// AuditPackAssembler — сборщик аудит-пакетов.
type AuditPackAssembler struct {
	packs    repository.PackRepository
	jobs     repository.JobRepository
	tasks    repository.TaskRepository
	evidence repository.EvidenceRepository
	logger   *slog.Logger
}

// NewAuditPackAssembler создаёт сборщик пакетов.
func NewAuditPackAssembler(
	packs repository.PackRepository,
	jobs repository.JobRepository,
	tasks repository.TaskRepository,
	evidence repository.EvidenceRepository,
	logger *slog.Logger,
) *AuditPackAssembler {
	return &AuditPackAssembler{
		packs:    packs,
		jobs:     jobs,
		tasks:    tasks,
		evidence: evidence,
		logger:   logger.With(slog.String("component", "assembler")),
	}
}

// Generate собирает новый пакет по наряду.
// Хэш пакета вычисляется из зафиксированных хэшей записей: они были
// вычислены из байтов снимков при приёме, независимая перепроверка —
// работа VerificationService. Наряд без доказательств — допустимый
// пустой пакет.
func (a *AuditPackAssembler) Generate(ctx context.Context, jobID string) (*model.AuditPack, error) {
	job, err := a.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("ошибка получения наряда: %w", err)
	}

	items, err := collectJobEvidence(ctx, a.tasks, a.evidence, jobID)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(items))
	for _, item := range items {
		hashes = append(hashes, item.ContentHash)
	}

	now := time.Now().UTC()
	pack := &model.AuditPack{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		GeneratedAt:   now.Format(time.RFC3339),
		EvidenceCount: len(items),
		CreatedAt:     now,
	}
	pack.PackHash = hashchain.PackHash(hashes, job.ID, job.Title, pack.GeneratedAt)

	if err := a.packs.Create(ctx, pack); err != nil {
		return nil, fmt.Errorf("ошибка сохранения пакета: %w", err)
	}

	packsGeneratedTotal.Inc()
	a.logger.Info("Аудит-пакет собран",
		slog.String("pack_id", pack.ID),
		slog.String("job_id", job.ID),
		slog.Int("evidence_count", pack.EvidenceCount),
		slog.String("pack_hash", hashchain.Truncate(pack.PackHash)),
	)

	return pack, nil
}

// Get возвращает пакет по id.
func (a *AuditPackAssembler) Get(ctx context.Context, packID string) (*model.AuditPack, error) {
	pack, err := a.packs.GetByID(ctx, packID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	return pack, nil
}

// ListByJob возвращает пакеты наряда, новые первыми.
func (a *AuditPackAssembler) ListByJob(ctx context.Context, jobID string) ([]*model.AuditPack, error) {
	packs, err := a.packs.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки пакетов: %w", err)
	}
	return packs, nil
}

// PackManifest — пакет вместе с текущими записями его наряда.
type PackManifest struct {
	Pack  *model.AuditPack
	Items []*model.EvidenceItem
}

// Manifest собирает содержимое пакета для скачивания.
// Записи берутся текущим обходом наряда: если наряд пополнился после
// генерации, расхождение с EvidenceCount видно в манифесте.
func (a *AuditPackAssembler) Manifest(ctx context.Context, packID string) (*PackManifest, error) {
	pack, err := a.Get(ctx, packID)
	if err != nil {
		return nil, err
	}
	items, err := collectJobEvidence(ctx, a.tasks, a.evidence, pack.JobID)
	if err != nil {
		return nil, err
	}
	return &PackManifest{Pack: pack, Items: items}, nil
}

// MarkDownloaded фиксирует момент первого скачивания пакета.
// Повторные скачивания момент не сдвигают.
func (a *AuditPackAssembler) MarkDownloaded(ctx context.Context, packID string) error {
	err := a.packs.MarkDownloaded(ctx, packID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPackNotFound
		}
		return fmt.Errorf("ошибка фиксации скачивания: %w", err)
	}
	return nil
}

// Share добавляет получателя в список shared_with пакета.
// Повторная выдача тому же получателю не дублирует запись.
func (a *AuditPackAssembler) Share(ctx context.Context, packID, recipient string) error {
	if recipient == "" {
		return fmt.Errorf("получатель не указан")
	}
	err := a.packs.AddSharedWith(ctx, packID, recipient)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPackNotFound
		}
		return fmt.Errorf("ошибка выдачи доступа: %w", err)
	}
	return nil
}

// collectJobEvidence собирает записи наряда через его задачи.
// Репозиторий отдаёт записи только по одной задаче, обход по наряду
// выполняется здесь. Снимок не атомарен: записи, добавленные во время
// обхода, могут не попасть в результат.
func collectJobEvidence(
	ctx context.Context,
	tasks repository.TaskRepository,
	evidence repository.EvidenceRepository,
	jobID string,
) ([]*model.EvidenceItem, error) {
	taskList, err := tasks.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки задач: %w", err)
	}

	var items []*model.EvidenceItem
	for _, task := range taskList {
		taskItems, err := evidence.ListByTask(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("ошибка выборки доказательств задачи %s: %w", task.ID, err)
		}
		items = append(items, taskItems...)
	}
	return items, nil
}
