package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"testing"
)

// TestItemHash_Deterministic проверяет детерминизм: повторные вызовы
// с одинаковыми входами дают одинаковый результат.
func TestItemHash_Deterministic(t *testing.T) {
	photo := []byte("jpeg bytes here")
	capturedAt := "2026-01-24T09:00:00Z"
	workerID := "W1"

	first := ItemHash(photo, capturedAt, workerID)
	for i := 0; i < 10; i++ {
		if got := ItemHash(photo, capturedAt, workerID); got != first {
			t.Fatalf("хэш недетерминирован: %s != %s", got, first)
		}
	}

	if len(first) != 64 {
		t.Errorf("ожидалась hex-строка из 64 символов, получено %d", len(first))
	}
}

// TestItemHash_MatchesConcatenation проверяет формат конкатенации:
// sha256(photo || capturedAt || workerID).
func TestItemHash_MatchesConcatenation(t *testing.T) {
	photo := []byte{0x01, 0x02, 0x03}
	capturedAt := "2026-01-24T09:00:00Z"
	workerID := "worker-7"

	var buf []byte
	buf = append(buf, photo...)
	buf = append(buf, []byte(capturedAt)...)
	buf = append(buf, []byte(workerID)...)
	sum := sha256.Sum256(buf)
	expected := hex.EncodeToString(sum[:])

	if got := ItemHash(photo, capturedAt, workerID); got != expected {
		t.Errorf("ожидалось %s, получено %s", expected, got)
	}
}

// TestItemHash_InputMutation проверяет, что изменение любого из трёх
// входов меняет результат.
func TestItemHash_InputMutation(t *testing.T) {
	base := ItemHash([]byte("photo"), "2026-01-24T09:00:00Z", "W1")

	tests := []struct {
		name       string
		photo      []byte
		capturedAt string
		workerID   string
	}{
		{"другие байты фото", []byte("photo!"), "2026-01-24T09:00:00Z", "W1"},
		{"другое время", []byte("photo"), "2026-01-24T09:00:01Z", "W1"},
		{"другой работник", []byte("photo"), "2026-01-24T09:00:00Z", "W2"},
	}

	for _, tt := range tests {
		if got := ItemHash(tt.photo, tt.capturedAt, tt.workerID); got == base {
			t.Errorf("%s: хэш не изменился", tt.name)
		}
	}
}

// TestPackHash_PermutationInvariant проверяет независимость pack hash
// от порядка входных хэшей.
func TestPackHash_PermutationInvariant(t *testing.T) {
	hashes := []string{
		ItemHash([]byte("a"), "2026-01-24T09:00:00Z", "W1"),
		ItemHash([]byte("b"), "2026-01-24T09:05:00Z", "W1"),
		ItemHash([]byte("c"), "2026-01-24T09:10:00Z", "W2"),
		ItemHash([]byte("d"), "2026-01-24T09:15:00Z", "W2"),
	}

	expected := PackHash(hashes, "job-1", "Щитовая, этаж 2", "2026-01-24T12:00:00Z")

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]string, len(hashes))
		copy(shuffled, hashes)
		rnd.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		if got := PackHash(shuffled, "job-1", "Щитовая, этаж 2", "2026-01-24T12:00:00Z"); got != expected {
			t.Fatalf("pack hash зависит от порядка: %s != %s", got, expected)
		}
	}
}

// TestPackHash_InputNotMutated проверяет, что сортировка не меняет
// срез вызывающего кода.
func TestPackHash_InputNotMutated(t *testing.T) {
	hashes := []string{"cc", "aa", "bb"}
	_ = PackHash(hashes, "job-1", "title", "2026-01-24T12:00:00Z")

	if hashes[0] != "cc" || hashes[1] != "aa" || hashes[2] != "bb" {
		t.Errorf("входной срез изменён: %v", hashes)
	}
}

// TestPackHash_DependsOnJobIdentity проверяет, что идентичность наряда
// и момент генерации входят в хэш.
func TestPackHash_DependsOnJobIdentity(t *testing.T) {
	hashes := []string{"aa", "bb"}
	base := PackHash(hashes, "job-1", "title", "2026-01-24T12:00:00Z")

	if PackHash(hashes, "job-2", "title", "2026-01-24T12:00:00Z") == base {
		t.Error("хэш не зависит от jobID")
	}
	if PackHash(hashes, "job-1", "other", "2026-01-24T12:00:00Z") == base {
		t.Error("хэш не зависит от jobTitle")
	}
	if PackHash(hashes, "job-1", "title", "2026-01-24T12:00:01Z") == base {
		t.Error("хэш не зависит от generatedAt")
	}
}

// TestPackHash_EmptySet проверяет детерминизм на пустом наборе.
func TestPackHash_EmptySet(t *testing.T) {
	a := PackHash(nil, "job-1", "title", "2026-01-24T12:00:00Z")
	b := PackHash([]string{}, "job-1", "title", "2026-01-24T12:00:00Z")
	if a != b {
		t.Errorf("nil и пустой срез дали разные хэши: %s != %s", a, b)
	}
}

// TestVerifyItemHash проверяет перевычисление и сравнение.
func TestVerifyItemHash(t *testing.T) {
	photo := []byte("evidence photo")
	capturedAt := "2026-01-24T09:00:00Z"
	workerID := "W1"
	expected := ItemHash(photo, capturedAt, workerID)

	if !VerifyItemHash(photo, capturedAt, workerID, expected) {
		t.Error("валидный хэш не прошёл проверку")
	}
	if VerifyItemHash([]byte("tampered"), capturedAt, workerID, expected) {
		t.Error("подменённые байты прошли проверку")
	}
	if VerifyItemHash(photo, capturedAt, workerID, strings.Repeat("0", 64)) {
		t.Error("чужой хэш прошёл проверку")
	}
}

// TestTruncate проверяет усечение для отображения.
func TestTruncate(t *testing.T) {
	full := ItemHash([]byte("x"), "t", "w")
	short := Truncate(full)

	if len(short) != 16 {
		t.Errorf("ожидалось 16 символов, получено %d", len(short))
	}
	if !strings.HasPrefix(full, short) {
		t.Error("усечённый хэш не является префиксом полного")
	}

	// Короткая строка возвращается как есть
	if Truncate("abc") != "abc" {
		t.Error("короткая строка не должна меняться")
	}
}
