// Пакет queue — локальная durable-очередь захваченных доказательств
// на устройстве агента.
//
// Каждый элемент хранится парой файлов в директории очереди:
// {id}.photo.bin (байты фотографии) и {id}.item.json (метаданные и
// состояние синхронизации). Записи атомарные: temp файл → fsync →
// rename. In-memory индекс пересобирается из item.json при Open и
// защищён одним мьютексом, поэтому проверка бюджета в Enqueue и
// захват элемента в DequeueNext атомарны относительно конкурентных
// вызовов.
//
// Очередь переживает рестарт процесса: элементы, застрявшие в статусе
// syncing (процесс умер посреди отправки), при Open откатываются в
// pending — syncing не является безопасной точкой возобновления.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/proofstore/internal/domain/model"
)

// Prometheus метрики очереди.
var (
	// queueItems — текущее количество элементов по статусам (gauge).
	queueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pa_queue_items",
			Help: "Текущее количество элементов в очереди захвата",
		},
		[]string{"status"},
	)

	// queueBytes — суммарный объём фотографий в очереди (gauge).
	queueBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pa_queue_bytes",
		Help: "Суммарный объём фотографий в очереди захвата в байтах",
	})
)

// Ошибки очереди.
var (
	// ErrLimitExceeded — приём элемента превысил бы бюджет очереди.
	// Доказательство не теряется и не вытесняет старые записи: захват
	// блокируется до синхронизации или ручной очистки.
	ErrLimitExceeded = errors.New("превышен бюджет очереди захвата")
	// ErrNotFound — элемент с указанным id отсутствует в очереди.
	ErrNotFound = errors.New("элемент не найден в очереди")
)

// Limits — независимые потолки очереди. Ноль — без ограничения.
type Limits struct {
	// MaxItems — потолок по количеству элементов
	MaxItems int
	// MaxBytes — потолок по суммарному объёму фотографий
	MaxBytes int64
}

// Stats — read-only срез состояния очереди. Используется UI захвата
// и проверкой бюджета в Enqueue.
type Stats struct {
	// ItemCount — всего элементов в очереди
	ItemCount int `json:"item_count"`
	// TotalBytes — суммарный объём фотографий
	TotalBytes int64 `json:"total_bytes"`
	// PendingCount — ожидают отправки
	PendingCount int `json:"pending_count"`
	// FailedCount — ожидают ручного retry
	FailedCount int `json:"failed_count"`
	// SyncedCount — подтверждены сервером, ожидают purge
	SyncedCount int `json:"synced_count"`
	// OldestPendingAt — время постановки самого старого pending элемента
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// Queue — durable-очередь захвата. Одна директория — один процесс:
// межпроцессные блокировки не используются.
type Queue struct {
	dir    string
	limits Limits
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]*model.EvidenceItem
}

// Open открывает очередь в указанной директории: создаёт директорию
// при необходимости, пересобирает индекс из item.json и откатывает
// застрявшие syncing элементы в pending.
func Open(dir string, limits Limits, logger *slog.Logger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию очереди %s: %w", dir, err)
	}

	q := &Queue{
		dir:    dir,
		limits: limits,
		logger: logger.With(slog.String("component", "capture_queue")),
		items:  make(map[string]*model.EvidenceItem),
	}

	if err := q.rebuild(); err != nil {
		return nil, err
	}

	q.updateMetrics()

	q.logger.Info("Очередь захвата открыта",
		slog.String("dir", dir),
		slog.Int("items", len(q.items)),
		slog.Int("max_items", limits.MaxItems),
		slog.Int64("max_bytes", limits.MaxBytes),
	)

	return q, nil
}

// rebuild сканирует директорию и восстанавливает индекс.
// Элементы в статусе syncing откатываются в pending с записью на диск.
func (q *Queue) rebuild() error {
	paths, err := filepath.Glob(filepath.Join(q.dir, "*.item.json"))
	if err != nil {
		return fmt.Errorf("не удалось сканировать директорию очереди: %w", err)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			q.logger.Warn("Не удалось прочитать item.json при восстановлении",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		var item model.EvidenceItem
		if err := json.Unmarshal(data, &item); err != nil {
			q.logger.Warn("Повреждённый item.json пропущен",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		// syncing — небезопасная точка возобновления: откатываем
		if item.SyncStatus == model.SyncInFlight {
			item.SyncStatus = model.SyncPending
			if err := q.persist(&item); err != nil {
				return fmt.Errorf("не удалось откатить syncing элемент %s: %w", item.ID, err)
			}
			q.logger.Warn("Элемент откачен из syncing в pending",
				slog.String("id", item.ID),
			)
		}

		q.items[item.ID] = &item
	}

	return nil
}

// Enqueue принимает новый элемент с байтами фотографии.
// Перед приёмом атомарно проверяет оба потолка; при превышении любого
// запись отклоняется целиком (ErrLimitExceeded), состояние очереди не
// меняется. Частичных записей не бывает: при ошибке записи метаданных
// уже записанная фотография удаляется.
func (q *Queue) Enqueue(item *model.EvidenceItem, photo []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[item.ID]; exists {
		return fmt.Errorf("элемент %s уже в очереди", item.ID)
	}

	// Проверка бюджета под мьютексом: два конкурентных захвата не
	// могут оба пройти проверку и совместно превысить потолок.
	if q.limits.MaxItems > 0 && len(q.items)+1 > q.limits.MaxItems {
		return fmt.Errorf("%w: %d элементов при потолке %d",
			ErrLimitExceeded, len(q.items), q.limits.MaxItems)
	}
	if q.limits.MaxBytes > 0 && q.totalBytesLocked()+int64(len(photo)) > q.limits.MaxBytes {
		return fmt.Errorf("%w: %d байт при потолке %d",
			ErrLimitExceeded, q.totalBytesLocked()+int64(len(photo)), q.limits.MaxBytes)
	}

	item.PhotoSize = int64(len(photo))
	item.SyncStatus = model.SyncPending
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	// Сначала фотография, затем метаданные: item.json — маркер
	// завершённой записи, rebuild игнорирует осиротевшие photo.bin.
	if err := atomicWrite(q.photoPath(item.ID), photo); err != nil {
		return fmt.Errorf("не удалось записать фотографию: %w", err)
	}
	if err := q.persist(item); err != nil {
		_ = os.Remove(q.photoPath(item.ID))
		return fmt.Errorf("не удалось записать метаданные: %w", err)
	}

	copied := *item
	q.items[item.ID] = &copied
	q.updateMetricsLocked()

	q.logger.Debug("Элемент поставлен в очередь",
		slog.String("id", item.ID),
		slog.String("task_id", item.TaskID),
		slog.Int64("size", item.PhotoSize),
	)

	return nil
}

// DequeueNext возвращает самый старый pending элемент, атомарно
// переводя его в syncing до возврата: один элемент никогда не будет
// захвачен двумя sync-попытками. Возвращает (nil, nil), если pending
// элементов нет.
func (q *Queue) DequeueNext() (*model.EvidenceItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *model.EvidenceItem
	for _, item := range q.items {
		if item.SyncStatus != model.SyncPending {
			continue
		}
		if oldest == nil || item.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = item
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.SyncStatus = model.SyncInFlight
	if err := q.persist(oldest); err != nil {
		oldest.SyncStatus = model.SyncPending
		return nil, fmt.Errorf("не удалось захватить элемент %s: %w", oldest.ID, err)
	}

	q.updateMetricsLocked()

	copied := *oldest
	return &copied, nil
}

// Photo читает байты фотографии элемента.
func (q *Queue) Photo(id string) ([]byte, error) {
	data, err := os.ReadFile(q.photoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("не удалось прочитать фотографию %s: %w", id, err)
	}
	return data, nil
}

// Get возвращает копию элемента или nil.
func (q *Queue) Get(id string) *model.EvidenceItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil
	}
	copied := *item
	return &copied
}

// MarkSynced переводит элемент syncing → synced и фиксирует
// присвоенную сервером ссылку на объект.
func (q *Queue) MarkSynced(id, photoRef string) error {
	return q.transition(id, model.SyncInFlight, func(item *model.EvidenceItem) {
		item.SyncStatus = model.SyncDone
		item.PhotoRef = photoRef
		item.LastError = ""
	})
}

// MarkRetry возвращает элемент syncing → pending после retryable
// ошибки: попытка исчерпана, но элемент остаётся в работе.
func (q *Queue) MarkRetry(id, cause string) error {
	return q.transition(id, model.SyncInFlight, func(item *model.EvidenceItem) {
		item.SyncStatus = model.SyncPending
		item.RetryCount++
		item.LastError = cause
	})
}

// MarkFailed переводит элемент syncing → failed: потолок попыток
// исчерпан либо ошибка фатальна. Элемент не удаляется — ожидает
// ручного RequeueFailed.
func (q *Queue) MarkFailed(id, cause string) error {
	return q.transition(id, model.SyncInFlight, func(item *model.EvidenceItem) {
		item.SyncStatus = model.SyncFailed
		item.RetryCount++
		item.LastError = cause
	})
}

// ReleaseSyncing откатывает элемент syncing → pending при отмене
// sync-прохода. Счётчик попыток не увеличивается: попытки не было.
func (q *Queue) ReleaseSyncing(id string) error {
	return q.transition(id, model.SyncInFlight, func(item *model.EvidenceItem) {
		item.SyncStatus = model.SyncPending
	})
}

// RequeueFailed возвращает элемент failed → pending (ручной resync).
// Счётчик попыток обнуляется: пользователь начинает заново.
func (q *Queue) RequeueFailed(id string) error {
	return q.transition(id, model.SyncFailed, func(item *model.EvidenceItem) {
		item.SyncStatus = model.SyncPending
		item.RetryCount = 0
	})
}

// transition выполняет переход состояния с проверкой исходного статуса
// и записью на диск до обновления индекса.
func (q *Queue) transition(id string, from model.SyncStatus, apply func(*model.EvidenceItem)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.SyncStatus != from {
		return fmt.Errorf("элемент %s в статусе %s, ожидался %s", id, item.SyncStatus, from)
	}

	updated := *item
	apply(&updated)

	if err := q.persist(&updated); err != nil {
		return fmt.Errorf("не удалось сохранить переход %s → %s: %w", from, updated.SyncStatus, err)
	}

	q.items[id] = &updated
	q.updateMetricsLocked()
	return nil
}

// PurgeSynced удаляет подтверждённые сервером элементы (файлы и
// записи индекса). Явная операция, отдельная от sync-пути: «synced»
// и «удалён» никогда не смешиваются.
func (q *Queue) PurgeSynced() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	for id, item := range q.items {
		if item.SyncStatus != model.SyncDone {
			continue
		}
		if err := os.Remove(q.itemPath(id)); err != nil && !os.IsNotExist(err) {
			return purged, fmt.Errorf("не удалось удалить метаданные %s: %w", id, err)
		}
		if err := os.Remove(q.photoPath(id)); err != nil && !os.IsNotExist(err) {
			return purged, fmt.Errorf("не удалось удалить фотографию %s: %w", id, err)
		}
		delete(q.items, id)
		purged++
	}

	q.updateMetricsLocked()

	if purged > 0 {
		q.logger.Info("Очистка подтверждённых элементов",
			slog.Int("purged", purged),
		)
	}

	return purged, nil
}

// Stats возвращает срез состояния очереди.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		ItemCount:  len(q.items),
		TotalBytes: q.totalBytesLocked(),
	}
	for _, item := range q.items {
		switch item.SyncStatus {
		case model.SyncPending:
			st.PendingCount++
			if st.OldestPendingAt == nil || item.EnqueuedAt.Before(*st.OldestPendingAt) {
				at := item.EnqueuedAt
				st.OldestPendingAt = &at
			}
		case model.SyncFailed:
			st.FailedCount++
		case model.SyncDone:
			st.SyncedCount++
		}
	}
	return st
}

// Dir возвращает путь к директории очереди.
func (q *Queue) Dir() string {
	return q.dir
}

// --- Внутренние помощники ---

func (q *Queue) totalBytesLocked() int64 {
	var total int64
	for _, item := range q.items {
		total += item.PhotoSize
	}
	return total
}

func (q *Queue) itemPath(id string) string {
	return filepath.Join(q.dir, sanitizeID(id)+".item.json")
}

func (q *Queue) photoPath(id string) string {
	return filepath.Join(q.dir, sanitizeID(id)+".photo.bin")
}

// persist атомарно записывает item.json элемента.
func (q *Queue) persist(item *model.EvidenceItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	return atomicWrite(q.itemPath(item.ID), data)
}

func (q *Queue) updateMetrics() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateMetricsLocked()
}

func (q *Queue) updateMetricsLocked() {
	counts := map[model.SyncStatus]int{}
	for _, item := range q.items {
		counts[item.SyncStatus]++
	}
	for _, status := range []model.SyncStatus{model.SyncPending, model.SyncInFlight, model.SyncDone, model.SyncFailed} {
		queueItems.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	queueBytes.Set(float64(q.totalBytesLocked()))
}

// atomicWrite записывает данные по паттерну temp файл → fsync → rename.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// sanitizeID убирает разделители пути из идентификатора перед
// использованием в имени файла.
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, string(filepath.Separator), "_")
	return id
}
