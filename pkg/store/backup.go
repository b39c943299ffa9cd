package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"triagedb/pkg/keys"
	"triagedb/pkg/logger"
	"triagedb/pkg/models"
	"triagedb/pkg/security"
)

const (
	backupPrefix     = "records_backup_"
	backupSuffix     = ".bin"
	backupTimeFormat = "20060102T150405.000000000Z"
)

// backupManager keeps timestamped ciphertext snapshots of the live file and
// restores the newest usable one when the live file cannot be read. Callers
// hold the repository writer lock for createBackup and restore.
type backupManager struct {
	live      string
	dir       string
	km        *keys.Manager
	retention time.Duration
}

// createBackup copies the live file into the backup directory, verifies the
// copy by size and prunes snapshots older than the retention window. A
// missing live file is a no-op reported as (false, nil).
func (bm *backupManager) createBackup() (bool, error) {
	src, err := os.ReadFile(bm.live)
	if os.IsNotExist(err) {
		logger.Debug("backup_skip_no_live_file", "path", bm.live)
		return false, nil
	}
	if err != nil {
		metricBackups.WithLabelValues("failure").Inc()
		return false, fmt.Errorf("read live file: %w", err)
	}

	name := backupPrefix + time.Now().UTC().Format(backupTimeFormat) + backupSuffix
	dst := filepath.Join(bm.dir, name)
	if err := os.WriteFile(dst, src, 0o600); err != nil {
		metricBackups.WithLabelValues("failure").Inc()
		return false, fmt.Errorf("write backup: %w", err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		metricBackups.WithLabelValues("failure").Inc()
		return false, fmt.Errorf("stat backup: %w", err)
	}
	if fi.Size() != int64(len(src)) {
		_ = os.Remove(dst)
		metricBackups.WithLabelValues("failure").Inc()
		return false, fmt.Errorf("backup size mismatch: %d bytes on disk, %d expected", fi.Size(), len(src))
	}
	metricBackups.WithLabelValues("success").Inc()
	logger.Debug("backup_created", "name", name, "bytes", fi.Size())

	if n, perr := bm.prune(); perr != nil {
		logger.Warn("backup_prune_failed", "error", perr)
	} else if n > 0 {
		logger.Info("backups_pruned", "removed", n)
	}
	return true, nil
}

// prune removes snapshots whose mtime is older than the retention window
// and returns how many were removed.
func (bm *backupManager) prune() (int, error) {
	entries, err := os.ReadDir(bm.dir)
	if err != nil {
		return 0, fmt.Errorf("read backup dir: %w", err)
	}
	cutoff := time.Now().Add(-bm.retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if rerr := os.Remove(filepath.Join(bm.dir, e.Name())); rerr != nil {
				logger.Warn("backup_prune_remove_failed", "name", e.Name(), "error", rerr)
				continue
			}
			metricBackupsPruned.Inc()
			removed++
		}
	}
	return removed, nil
}

// restore walks snapshots newest-first and promotes the first one that
// decrypts under any ring key and parses as a valid Document. The promoted
// copy is re-encrypted under the current key before it replaces the live
// file. Returns false when no snapshot is usable.
func (bm *backupManager) restore() bool {
	names, err := bm.list()
	if err != nil {
		logger.Error("restore_list_failed", "error", err)
		metricRestores.WithLabelValues("failure").Inc()
		return false
	}
	ring := bm.km.Ring()
	defer func() {
		for _, k := range ring {
			security.Wipe(k)
		}
	}()

	for _, name := range names {
		raw, rerr := os.ReadFile(filepath.Join(bm.dir, name))
		if rerr != nil {
			logger.Warn("restore_candidate_unreadable", "name", name, "error", rerr)
			continue
		}
		doc := bm.open(raw, ring)
		if doc == nil {
			logger.Warn("restore_candidate_rejected", "name", name)
			continue
		}

		current := bm.km.Current()
		if current == nil {
			metricRestores.WithLabelValues("failure").Inc()
			return false
		}
		pt, merr := doc.Marshal()
		if merr == nil {
			var ct []byte
			ct, merr = security.Encrypt(current, pt)
			if merr == nil {
				merr = writeEncrypted(bm.live, ct)
			}
		}
		security.Wipe(current)
		if merr != nil {
			// disk-level failure; trying older snapshots will not help
			logger.Error("restore_write_failed", "name", name, "error", merr)
			metricRestores.WithLabelValues("failure").Inc()
			return false
		}

		metricRestores.WithLabelValues("success").Inc()
		logger.Info("document_restored", "name", name, "records", len(doc.Records))
		if logger.Audit != nil {
			logger.Audit.Info("document_restored", "name", name, "records", len(doc.Records))
		}
		return true
	}

	metricRestores.WithLabelValues("failure").Inc()
	logger.Error("restore_exhausted", "candidates", len(names))
	return false
}

// open decrypts a snapshot with any ring key and validates the result.
func (bm *backupManager) open(raw []byte, ring [][]byte) *models.Document {
	for _, k := range ring {
		pt, err := security.Decrypt(k, raw)
		if err != nil {
			continue
		}
		doc, perr := models.ParseDocument(pt)
		if perr != nil {
			// right key, junk payload; other keys cannot help
			return nil
		}
		return doc
	}
	return nil
}

// list returns snapshot names sorted newest-first by mtime.
func (bm *backupManager) list() ([]string, error) {
	entries, err := os.ReadDir(bm.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	type candidate struct {
		name  string
		mtime time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		cands = append(cands, candidate{name: e.Name(), mtime: info.ModTime()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mtime.After(cands[j].mtime) })
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.name
	}
	return names, nil
}

// stats reports snapshot count and total bytes on disk.
func (bm *backupManager) stats() (int, int64) {
	entries, err := os.ReadDir(bm.dir)
	if err != nil {
		return 0, 0
	}
	count := 0
	var bytes int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		if info, ierr := e.Info(); ierr == nil {
			count++
			bytes += info.Size()
		}
	}
	return count, bytes
}
