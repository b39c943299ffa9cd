package store

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"triagedb/pkg/keys"
	"triagedb/pkg/logger"
	"triagedb/pkg/models"
	"triagedb/pkg/security"
)

// blobStore reads and writes the single encrypted Document file. Callers
// serialize mutating access; the blob layer itself only knows about the
// file, the key ring and the retry policy.
type blobStore struct {
	path    string
	km      *keys.Manager
	retries int
	backoff time.Duration
}

// read returns the current Document. It never fails: a missing file yields
// a fresh empty Document (ok=true), and an unreadable or undecryptable file
// degrades to an empty Document (ok=false) after the restore path has been
// exhausted. A Document decrypted under a retired key, or migrated to a
// newer data version, is rewritten under the current key on the spot.
func (b *blobStore) read(bm *backupManager, allowRestore bool) (*models.Document, bool) {
	raw, exists, err := b.readFile()
	if !exists {
		return models.NewDocument(), true
	}
	if err == nil {
		doc, idx, derr := b.decryptAny(raw)
		if derr == nil {
			changed := migrateDocument(doc)
			if idx > 0 {
				metricDecryptFallback.Inc()
				logger.Info("document_reencrypt", "key_index", idx)
				changed = true
			}
			if changed {
				if werr := b.write(doc, bm); werr != nil {
					logger.Warn("document_reencrypt_failed", "error", werr)
				}
			}
			return doc, true
		}
		logger.Error("document_decrypt_failed_all_keys", "keys", b.km.Size(), "error", derr)
	} else {
		logger.Error("document_read_failed", "path", b.path, "error", err)
	}

	if allowRestore && bm != nil {
		if bm.restore() {
			return b.read(bm, false)
		}
	}

	metricReadFailures.Inc()
	logger.Error("document_unrecoverable", "path", b.path)
	if logger.Audit != nil {
		logger.Audit.Error("document_unrecoverable", "path", b.path)
	}
	return models.NewDocument(), false
}

// readOnly decrypts the Document without any side effects: no lazy
// re-encryption, no restore, no rewrites. Used by the lock-free accessors,
// which accept eventual consistency.
func (b *blobStore) readOnly() (*models.Document, bool) {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return models.NewDocument(), true
	}
	if err != nil {
		logger.Warn("document_read_failed", "path", b.path, "error", err)
		return models.NewDocument(), false
	}
	doc, _, derr := b.decryptAny(raw)
	if derr != nil {
		logger.Warn("document_decrypt_failed_all_keys", "keys", b.km.Size(), "error", derr)
		return models.NewDocument(), false
	}
	migrateDocument(doc)
	return doc, true
}

// readFile reads the raw blob with the same retry policy as writes.
func (b *blobStore) readFile() (raw []byte, exists bool, err error) {
	var lastErr error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.backoff * time.Duration(attempt))
		}
		raw, rerr := os.ReadFile(b.path)
		if rerr == nil {
			return raw, true, nil
		}
		if os.IsNotExist(rerr) {
			return nil, false, nil
		}
		lastErr = rerr
	}
	return nil, true, lastErr
}

// decryptAny tries every ring key newest-first and returns the parsed
// Document plus the index of the key that opened it. A structural
// validation failure counts as a decryption failure.
func (b *blobStore) decryptAny(raw []byte) (*models.Document, int, error) {
	var lastErr error = security.ErrCiphertextShort
	ring := b.km.Ring()
	defer func() {
		for _, k := range ring {
			security.Wipe(k)
		}
	}()
	if len(ring) == 0 {
		return nil, 0, keys.ErrNoKeys
	}
	for i, k := range ring {
		pt, err := security.Decrypt(k, raw)
		if err != nil {
			lastErr = err
			continue
		}
		doc, perr := models.ParseDocument(pt)
		if perr != nil {
			lastErr = perr
			continue
		}
		return doc, i, nil
	}
	return nil, 0, lastErr
}

// write validates, backs up, encrypts and atomically replaces the live
// file, retrying the whole sequence with linearly increasing delay. On
// failure the previous live file is untouched.
func (b *blobStore) write(doc *models.Document, bm *backupManager) error {
	if err := doc.Validate(); err != nil {
		metricWrites.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid document: %w", err)
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			metricWriteRetries.Inc()
			logger.Warn("document_write_retry", "attempt", attempt, "error", lastErr)
			time.Sleep(b.backoff * time.Duration(attempt))
		}
		if err := b.writeOnce(doc, bm); err != nil {
			lastErr = err
			continue
		}
		metricWrites.WithLabelValues("success").Inc()
		metricWriteDuration.Observe(time.Since(start).Seconds())
		metricRecords.Set(float64(len(doc.Records)))
		return nil
	}
	metricWrites.WithLabelValues("failure").Inc()
	return fmt.Errorf("write document after %d attempts: %w", b.retries, lastErr)
}

func (b *blobStore) writeOnce(doc *models.Document, bm *backupManager) error {
	if bm != nil {
		created, err := bm.createBackup()
		if err != nil {
			// the atomic rename below still protects the previous file
			logger.Warn("backup_before_write_failed", "error", err)
		} else if created {
			doc.Metadata.LastBackup = models.NowISO()
		}
	}

	current := b.km.Current()
	if current == nil {
		return keys.ErrNoKeys
	}
	defer security.Wipe(current)

	pt, err := doc.Marshal()
	if err != nil {
		return err
	}
	ct, err := security.Encrypt(current, pt)
	if err != nil {
		return fmt.Errorf("encrypt document: %w", err)
	}
	return writeEncrypted(b.path, ct)
}

// writeEncrypted lands ciphertext on disk via temp file, fsync, re-read
// verification and atomic rename. A truncated or corrupted temp file never
// replaces the live file.
func writeEncrypted(live string, ct []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%s", live, genID(4))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(ct); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	// re-read and byte-compare to catch partial or corrupted writes
	got, err := os.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("verify temp file: %w", err)
	}
	if !bytes.Equal(got, ct) {
		_ = os.Remove(tmp)
		return fmt.Errorf("temp file verification mismatch: %d bytes on disk, %d expected", len(got), len(ct))
	}

	if err := os.Rename(tmp, live); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace live file: %w", err)
	}
	return nil
}

// genID returns nbytes of CSPRNG output hex-encoded, for temp file
// suffixes and sweep run ids.
func genID(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
