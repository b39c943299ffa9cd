package keys

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"triagedb/pkg/security"
)

func historyPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "key_history.bin")
}

func TestOpenCreatesHistory(t *testing.T) {
	path := historyPath(t)
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer m.Close()

	if m.Size() != 1 {
		t.Fatalf("fresh ring size = %d, want 1", m.Size())
	}
	cur := m.Current()
	if len(cur) != security.KeySize {
		t.Fatalf("current key length = %d, want %d", len(cur), security.KeySize)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("history file not written: %v", err)
	}
	var hf struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(b, &hf); err != nil {
		t.Fatalf("history file not JSON: %v", err)
	}
	if len(hf.Keys) != 1 {
		t.Fatalf("history holds %d keys, want 1", len(hf.Keys))
	}
	dec, err := security.DecodeKey(hf.Keys[0])
	if err != nil {
		t.Fatalf("persisted key not decodable: %v", err)
	}
	if !bytes.Equal(dec, cur) {
		t.Fatalf("persisted key differs from current key")
	}
}

func TestOpenLoadsExisting(t *testing.T) {
	path := historyPath(t)
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	want := m.Current()
	m.Close()

	m2, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer m2.Close()
	if !bytes.Equal(m2.Current(), want) {
		t.Fatalf("reopened manager lost the current key")
	}
}

func TestOpenRegeneratesOnCorruptHistory(t *testing.T) {
	path := historyPath(t)
	if err := os.WriteFile(path, []byte("{{{ not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open should survive a corrupt history, got %v", err)
	}
	defer m.Close()
	if m.Size() != 1 {
		t.Fatalf("ring size after reset = %d, want 1", m.Size())
	}

	// the file must now be a valid history again
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if _, err := parseHistory(b); err != nil {
		t.Fatalf("rewritten history still invalid: %v", err)
	}
}

func TestOpenRejectsWrongSizeKeys(t *testing.T) {
	path := historyPath(t)
	hf := historyFile{Keys: []string{security.EncodeKey(make([]byte, 16))}}
	b, _ := json.Marshal(hf)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	// wrong-size keys count as corruption: regenerate
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer m.Close()
	if len(m.Current()) != security.KeySize {
		t.Fatalf("replacement key has wrong size")
	}
}

func TestGenerate(t *testing.T) {
	a, err := Generate(nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	b, err := Generate(nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(a) != security.KeySize || len(b) != security.KeySize {
		t.Fatalf("generated key sizes: %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two generated keys are identical")
	}
	c, err := Generate([]byte("extra entropy"))
	if err != nil {
		t.Fatalf("Generate with extra error: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("extra entropy produced a duplicate key")
	}
}

func TestRotationDue(t *testing.T) {
	m, err := Open(historyPath(t), time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer m.Close()

	if !m.RotationDue(time.Time{}) {
		t.Fatalf("zero last rotation must be due")
	}
	if m.RotationDue(time.Now()) {
		t.Fatalf("fresh rotation must not be due")
	}
	if m.RotationDue(time.Now().Add(-59 * time.Minute)) {
		t.Fatalf("rotation inside the interval must not be due")
	}
	if !m.RotationDue(time.Now().Add(-61 * time.Minute)) {
		t.Fatalf("rotation past the interval must be due")
	}
}

func TestRotateBoundsHistory(t *testing.T) {
	path := historyPath(t)
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer m.Close()

	seen := [][]byte{m.Current()}
	for i := 0; i < 5; i++ {
		prev := m.Current()
		if err := m.Rotate(); err != nil {
			t.Fatalf("Rotate %d error: %v", i, err)
		}
		cur := m.Current()
		if bytes.Equal(cur, prev) {
			t.Fatalf("rotation %d did not change the current key", i)
		}
		ring := m.Ring()
		if len(ring) > MaxHistory {
			t.Fatalf("ring grew to %d, cap is %d", len(ring), MaxHistory)
		}
		if !bytes.Equal(ring[1], prev) {
			t.Fatalf("previous current key is not at index 1 after rotation")
		}
		seen = append(seen, cur)
	}
	if m.Size() != MaxHistory {
		t.Fatalf("ring size after 5 rotations = %d, want %d", m.Size(), MaxHistory)
	}

	// ring must hold the three newest keys, newest first
	ring := m.Ring()
	for i := 0; i < MaxHistory; i++ {
		if !bytes.Equal(ring[i], seen[len(seen)-1-i]) {
			t.Fatalf("ring[%d] is not the expected key", i)
		}
	}
}

func TestRotatePersistFailureKeepsRing(t *testing.T) {
	path := historyPath(t)
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer m.Close()
	want := m.Current()

	// a directory at the temp path makes the history write fail
	if err := os.Mkdir(path+".tmp", 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.Rotate(); err == nil {
		t.Fatalf("rotation must fail when the history cannot be persisted")
	}
	if m.Size() != 1 {
		t.Fatalf("failed rotation changed the ring size: %d", m.Size())
	}
	if !bytes.Equal(m.Current(), want) {
		t.Fatalf("failed rotation replaced the current key")
	}

	// the on-disk history still loads the previous key
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	ring, err := parseHistory(b)
	if err != nil {
		t.Fatalf("history corrupted by failed rotation: %v", err)
	}
	if len(ring) != 1 || !bytes.Equal(ring[0], want) {
		t.Fatalf("persisted history changed under a failed rotation")
	}

	// once the obstruction clears, rotation works again
	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatalf("remove obstruction: %v", err)
	}
	if err := m.Rotate(); err != nil {
		t.Fatalf("rotation after recovery failed: %v", err)
	}
	if m.Size() != 2 || bytes.Equal(m.Current(), want) {
		t.Fatalf("recovered rotation did not move the ring")
	}
}

func TestRotatePersistsAcrossReopen(t *testing.T) {
	path := historyPath(t)
	m, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Rotate(); err != nil {
			t.Fatalf("Rotate error: %v", err)
		}
	}
	want := m.Ring()
	m.Close()

	m2, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer m2.Close()
	got := m2.Ring()
	if len(got) != len(want) {
		t.Fatalf("reopened ring size = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("reopened ring[%d] differs", i)
		}
	}
}

func TestCloseWipesRing(t *testing.T) {
	m, err := Open(historyPath(t), time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	m.Close()
	if m.Current() != nil {
		t.Fatalf("Current must return nil after Close")
	}
	if m.Size() != 0 {
		t.Fatalf("Size must be 0 after Close")
	}
}
