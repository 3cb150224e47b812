// fakes_test.go — in-memory реализации репозиториев и хранилища
// снимков для тестов сервисного слоя.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/arturkryukov/proofstore/internal/domain/model"
	"github.com/arturkryukov/proofstore/internal/repository"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*model.Job)}
}

func (m *memJobs) Create(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return repository.ErrConflict
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobs) ListByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.OwnerID == ownerID {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
	order []string
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*model.Task)}
}

func (m *memTasks) Create(ctx context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return repository.ErrConflict
	}
	copied := *task
	m.tasks[task.ID] = &copied
	m.order = append(m.order, task.ID)
	return nil
}

func (m *memTasks) GetByID(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (m *memTasks) ListByJob(ctx context.Context, jobID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, id := range m.order {
		if m.tasks[id].JobID == jobID {
			copied := *m.tasks[id]
			out = append(out, &copied)
		}
	}
	return out, nil
}

type memEvidence struct {
	mu    sync.Mutex
	items map[string]*model.EvidenceItem
	order []string
}

func newMemEvidence() *memEvidence {
	return &memEvidence{items: make(map[string]*model.EvidenceItem)}
}

func (m *memEvidence) Create(ctx context.Context, item *model.EvidenceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return repository.ErrConflict
	}
	copied := *item
	m.items[item.ID] = &copied
	m.order = append(m.order, item.ID)
	return nil
}

func (m *memEvidence) GetByID(ctx context.Context, id string) (*model.EvidenceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (m *memEvidence) ListByTask(ctx context.Context, taskID string) ([]*model.EvidenceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.EvidenceItem
	for _, id := range m.order {
		if m.items[id].TaskID == taskID {
			copied := *m.items[id]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memEvidence) UpdateNotes(ctx context.Context, id, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	item.Notes = notes
	return nil
}

type memPacks struct {
	mu    sync.Mutex
	packs map[string]*model.AuditPack
	order []string
}

func newMemPacks() *memPacks {
	return &memPacks{packs: make(map[string]*model.AuditPack)}
}

func (m *memPacks) Create(ctx context.Context, pack *model.AuditPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packs[pack.ID]; ok {
		return repository.ErrConflict
	}
	copied := *pack
	m.packs[pack.ID] = &copied
	m.order = append(m.order, pack.ID)
	return nil
}

func (m *memPacks) GetByID(ctx context.Context, id string) (*model.AuditPack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pack, ok := m.packs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *pack
	return &copied, nil
}

func (m *memPacks) ListByJob(ctx context.Context, jobID string) ([]*model.AuditPack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AuditPack
	// новые первыми
	for i := len(m.order) - 1; i >= 0; i-- {
		if m.packs[m.order[i]].JobID == jobID {
			copied := *m.packs[m.order[i]]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memPacks) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pack, ok := m.packs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if pack.DownloadedAt == nil {
		pack.DownloadedAt = &at
	}
	return nil
}

func (m *memPacks) AddSharedWith(ctx context.Context, id, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pack, ok := m.packs[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, r := range pack.SharedWith {
		if r == recipient {
			return nil
		}
	}
	pack.SharedWith = append(pack.SharedWith, recipient)
	return nil
}

// memStore — хранилище снимков в памяти, ключ — photo_ref.
type memStore struct {
	mu     sync.Mutex
	photos map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{photos: make(map[string][]byte)}
}

func (m *memStore) put(ref string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos[ref] = data
}

func (m *memStore) ReadPhoto(storagePath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.photos[storagePath]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
