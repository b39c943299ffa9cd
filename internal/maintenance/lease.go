package maintenance

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"triagedb/pkg/logger"
)

const lockName = "maintenance.lock"

// fileLease is cross-process mutual exclusion for sweeps: one lock file,
// created atomically via os.Link, holding the owner id and expiry.
type fileLease struct {
	path string
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func newFileLease(dir string) *fileLease {
	return &fileLease{path: filepath.Join(dir, lockName)}
}

// acquire attempts to take the lease. Returns (false, nil) when another
// live owner holds it; an expired lease is replaced.
func (l *fileLease) acquire(owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lf := leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339)}
	b, _ := json.Marshal(lf)
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return false, err
	}
	// link creates the lock atomically when it does not exist yet
	if err := os.Link(tmp, l.path); err == nil {
		os.Remove(tmp)
		logger.Info("lease_acquired_via_link", "path", l.path, "owner", owner)
		return true, nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		os.Remove(tmp)
		return false, err
	}
	var existing leaseFile
	if err := json.Unmarshal(data, &existing); err != nil {
		os.Remove(tmp)
		return false, err
	}
	expT, _ := time.Parse(time.RFC3339, existing.Expires)
	if expT.Before(now) {
		if err := os.Rename(tmp, l.path); err != nil {
			logger.Error("lease_replace_failed", "error", err)
			return false, err
		}
		logger.Info("lease_acquired_replaced", "path", l.path, "owner", owner)
		return true, nil
	}
	os.Remove(tmp)
	logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner)
	return false, nil
}

// renew extends the expiry for the current owner.
func (l *fileLease) renew(owner string, ttl time.Duration) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var existing leaseFile
	if err := json.Unmarshal(data, &existing); err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("not owner")
	}
	existing.Expires = time.Now().UTC().Add(ttl).Format(time.RFC3339)
	b, _ := json.Marshal(existing)
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Error("lease_renew_tmp_write_failed", "error", err)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_renew_rename_failed", "error", err)
		return err
	}
	return nil
}

// release removes the lock when owned by the caller.
func (l *fileLease) release(owner string) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var existing leaseFile
	if err := json.Unmarshal(data, &existing); err != nil {
		return err
	}
	if existing.Owner != owner {
		logger.Error("lease_release_not_owner", "owner", owner, "holder", existing.Owner)
		return fmt.Errorf("not owner")
	}
	if err := os.Remove(l.path); err != nil {
		logger.Error("lease_release_remove_failed", "error", err)
		return err
	}
	logger.Info("lease_released", "path", l.path, "owner", owner)
	return nil
}

// genOwner returns a unique owner id for one sweep attempt.
func genOwner() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("pid-%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	return fmt.Sprintf("pid-%d-%s", os.Getpid(), hex.EncodeToString(b))
}
