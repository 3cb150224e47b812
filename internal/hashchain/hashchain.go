// Пакет hashchain — детерминированная привязка доказательства к
// метаданным съёмки и комбинирование множества таких привязок в один
// хэш пакета.
//
// Все функции чистые и тотальные на корректных входах: никаких ошибок,
// никакого ввода-вывода. Пустой или отсутствующий снимок — ошибка
// вызывающего кода, не hashchain.
//
// Контракт — побайтный детерминизм: строки времени и идентификаторов
// хэшируются в том виде, в котором хранятся, без нормализации.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// separator — фиксированный разделитель при конкатенации хэшей пакета.
const separator = "|"

// truncateLen — длина усечённого хэша для отображения (hex-символы).
const truncateLen = 16

// ItemHash вычисляет SHA-256 над конкатенацией байтов фотографии,
// UTF-8 строки времени съёмки и UTF-8 идентификатора работника,
// в этом фиксированном порядке. Возвращает hex-строку (64 символа).
func ItemHash(photo []byte, capturedAt, workerID string) string {
	h := sha256.New()
	h.Write(photo)
	h.Write([]byte(capturedAt))
	h.Write([]byte(workerID))
	return hex.EncodeToString(h.Sum(nil))
}

// PackHash комбинирует content hash всех доказательств наряда в один
// хэш пакета. Хэши сортируются лексикографически перед конкатенацией,
// поэтому результат — функция множества, а не порядка выборки:
// порядок, в котором удалённое хранилище возвращает записи, не
// гарантирован.
//
// Формат: sha256(h1|h2|...|hn|jobID|jobTitle|generatedAt).
func PackHash(itemHashes []string, jobID, jobTitle, generatedAt string) string {
	sorted := make([]string, len(itemHashes))
	copy(sorted, itemHashes)
	sort.Strings(sorted)

	var b strings.Builder
	for _, ih := range sorted {
		b.WriteString(ih)
		b.WriteString(separator)
	}
	b.WriteString(jobID)
	b.WriteString(separator)
	b.WriteString(jobTitle)
	b.WriteString(separator)
	b.WriteString(generatedAt)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyItemHash перевычисляет ItemHash и сравнивает по значению.
// Constant-time сравнение не требуется: это обнаружение подмены
// постфактум, а не MAC с секретом.
func VerifyItemHash(photo []byte, capturedAt, workerID, expected string) bool {
	return ItemHash(photo, capturedAt, workerID) == expected
}

// Truncate усекает хэш до отображаемого префикса.
// Используется в ответе верификации и в генерируемых документах.
func Truncate(hash string) string {
	if len(hash) <= truncateLen {
		return hash
	}
	return hash[:truncateLen]
}
