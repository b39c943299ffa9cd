package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"triagedb/pkg/logger"
	"triagedb/pkg/security"
)

const (
	// MaxHistory bounds the ring: the current key plus the two most recent
	// retired keys. Anything older can no longer decrypt.
	MaxHistory = 3

	// DefaultRotationInterval is how long a write key stays current.
	DefaultRotationInterval = 30 * 24 * time.Hour

	kdfIterations = 100_000
	kdfSaltSize   = 16
	seedSize      = 64
)

var ErrNoKeys = errors.New("key ring is empty")

// Manager owns the ordered symmetric key history for one store. Index 0 is
// the current write key; later indices are retired keys kept only to
// decrypt data written before recent rotations. The manager is an explicit
// handle owned by the repository; there is no process-wide key state.
type Manager struct {
	path     string
	interval time.Duration

	mu   sync.RWMutex
	ring [][]byte
}

// on-disk shape of the key history file
type historyFile struct {
	Keys []string `json:"keys"`
}

// Open loads the key history at path, creating the file with a single
// fresh key on first use. A corrupt or unreadable history file is replaced
// with one fresh key: data encrypted under the lost keys becomes
// unrecoverable, which is an accepted and logged risk.
func Open(path string, interval time.Duration) (*Manager, error) {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	m := &Manager{path: path, interval: interval}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	b, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		k, gerr := Generate(nil)
		if gerr != nil {
			return gerr
		}
		if perr := m.persist([][]byte{k}); perr != nil {
			security.Wipe(k)
			return fmt.Errorf("persist initial key: %w", perr)
		}
		m.ring = [][]byte{k}
		logger.Info("key_history_created", "path", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key history: %w", err)
	}

	ring, perr := parseHistory(b)
	if perr != nil {
		// lost keys mean lost data; regenerate and carry on
		logger.Warn("key_history_reset", "path", m.path, "error", perr)
		if logger.Audit != nil {
			logger.Audit.Warn("key_history_reset", "path", m.path, "error", perr.Error())
		}
		k, gerr := Generate(nil)
		if gerr != nil {
			return gerr
		}
		if werr := m.persist([][]byte{k}); werr != nil {
			security.Wipe(k)
			return fmt.Errorf("persist replacement key: %w", werr)
		}
		m.ring = [][]byte{k}
		return nil
	}
	m.ring = ring
	return nil
}

func parseHistory(b []byte) ([][]byte, error) {
	var hf historyFile
	if err := json.Unmarshal(b, &hf); err != nil {
		return nil, err
	}
	if len(hf.Keys) == 0 {
		return nil, errors.New("no keys in history")
	}
	ring := make([][]byte, 0, len(hf.Keys))
	for i, s := range hf.Keys {
		k, err := security.DecodeKey(s)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		ring = append(ring, k)
	}
	return ring, nil
}

// persist writes the ring to the history file via temp file + rename so a
// crash mid-write never truncates the previous history.
func (m *Manager) persist(ring [][]byte) error {
	hf := historyFile{Keys: make([]string, 0, len(ring))}
	for _, k := range ring {
		hf.Keys = append(hf.Keys, security.EncodeKey(k))
	}
	b, err := json.Marshal(hf)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Generate derives a fresh 32-byte key via PBKDF2-HMAC-SHA256 over CSPRNG
// output. extra diversifies keys generated in quick succession (rotation
// passes a nanosecond timestamp).
func Generate(extra []byte) ([]byte, error) {
	seed := make([]byte, seedSize, seedSize+len(extra))
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	salt := make([]byte, kdfSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	seed = append(seed, extra...)
	key := pbkdf2.Key(seed, salt, kdfIterations, security.KeySize, sha256.New)
	security.Wipe(seed)
	return key, nil
}

// Current returns a copy of the active write key, or nil when the ring is
// empty (only possible after Close).
func (m *Manager) Current() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ring) == 0 {
		return nil
	}
	return append([]byte(nil), m.ring[0]...)
}

// Ring returns copies of all keys, newest first.
func (m *Manager) Ring() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.ring))
	for _, k := range m.ring {
		out = append(out, append([]byte(nil), k...))
	}
	return out
}

// Size returns the number of keys in the ring.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ring)
}

// Interval returns the configured rotation interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// RotationDue reports whether the write key is old enough to rotate. A zero
// lastRotation means the store predates rotation tracking and is due.
func (m *Manager) RotationDue(lastRotation time.Time) bool {
	if lastRotation.IsZero() {
		return true
	}
	return time.Since(lastRotation) >= m.interval
}

// Rotate generates a new current key, prepends it and persists the bounded
// history. If persistence fails the previous ring stays active in full: the
// old current key keeps encrypting writes and no key is silently lost.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	extra := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	k, err := Generate(extra)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	next := make([][]byte, 0, MaxHistory)
	next = append(next, k)
	var evicted [][]byte
	for _, old := range m.ring {
		if len(next) < MaxHistory {
			next = append(next, old)
		} else {
			evicted = append(evicted, old)
		}
	}

	if err := m.persist(next); err != nil {
		security.Wipe(k)
		return fmt.Errorf("persist key history: %w", err)
	}
	m.ring = next
	for _, old := range evicted {
		security.Wipe(old)
	}
	logger.Info("key_rotated", "ring_size", len(next))
	if logger.Audit != nil {
		logger.Audit.Info("key_rotated", "ring_size", len(next), "path", m.path)
	}
	return nil
}

// Close wipes all key material. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.ring {
		security.Wipe(k)
	}
	m.ring = nil
}
