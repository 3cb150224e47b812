// Пакет filestore — операции с объектами фотографий на диске сервера.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету, чтение
// и удаление. Хэш записи — технический checksum объекта, он не
// заменяет content hash доказательства: тот вычисляется агентом при
// съёмке над байтами и метаданными вместе.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore — управление объектами фотографий на диске.
type FileStore struct {
	// dataDir — корневая директория хранения объектов (PS_DATA_DIR)
	dataDir string
}

// SaveResult — результат сохранения объекта на диск.
type SaveResult struct {
	// StoragePath — относительный путь объекта в dataDir
	StoragePath string
	// FullPath — абсолютный путь объекта на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш байтов объекта
	Checksum string
}

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// SavePhoto записывает байты фотографии из reader на диск с подсчётом
// SHA-256 на лету. Имя объекта: {evidence_id}_{timestamp}{ext}.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется. Повторная запись того же evidence_id
// создаёт новый объект — идемпотентность повторной загрузки
// обеспечивает слой записей, не filestore.
func (fs *FileStore) SavePhoto(reader io.Reader, evidenceID, ext string) (*SaveResult, error) {
	storageName := generateStorageName(evidenceID, ext)
	fullPath := filepath.Join(fs.dataDir, storageName)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoragePath: storageName,
		FullPath:    fullPath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ReadPhoto читает байты объекта целиком. Используется верификацией:
// перевычисление item hash требует полных байтов фотографии.
func (fs *FileStore) ReadPhoto(storagePath string) ([]byte, error) {
	fullPath := filepath.Join(fs.dataDir, storagePath)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("объект не найден: %s", storagePath)
		}
		return nil, fmt.Errorf("ошибка чтения объекта %s: %w", storagePath, err)
	}

	return data, nil
}

// Open открывает объект для streaming-чтения (отдача фотографии).
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	fullPath := filepath.Join(fs.dataDir, storagePath)

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("объект не найден: %s", storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s: %w", storagePath, err)
	}

	return f, nil
}

// Delete удаляет объект с диска. Возвращает nil если объект уже
// не существует.
func (fs *FileStore) Delete(storagePath string) error {
	fullPath := filepath.Join(fs.dataDir, storagePath)

	err := os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", storagePath, err)
	}
	return nil
}

// Exists проверяет существование объекта на диске.
func (fs *FileStore) Exists(storagePath string) bool {
	fullPath := filepath.Join(fs.dataDir, storagePath)
	_, err := os.Stat(fullPath)
	return err == nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// generateStorageName генерирует имя объекта на диске.
// Формат: {evidence_id}_{timestamp}{ext}
// Пример: a1b2c3d4-..._20260124090000.jpg
func generateStorageName(evidenceID, ext string) string {
	id := sanitize(evidenceID)
	ts := time.Now().UTC().Format("20060102150405")

	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return fmt.Sprintf("%s_%s%s", id, ts, ext)
}

// sanitize убирает небезопасные символы из строки для использования
// в имени файла. Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "photo"
	}
	return result.String()
}
