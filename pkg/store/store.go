package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"triagedb/pkg/keys"
	"triagedb/pkg/logger"
	"triagedb/pkg/models"
	"triagedb/pkg/state"
)

// Options configures a Repository. Zero fields fall back to the documented
// defaults; only BaseDir is required.
type Options struct {
	BaseDir          string
	RetentionDays    int
	CleanupInterval  time.Duration
	RotationInterval time.Duration
	BackupRetention  time.Duration
	WriteRetries     int
	WriteBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 24 * time.Hour
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = keys.DefaultRotationInterval
	}
	if o.BackupRetention <= 0 {
		o.BackupRetention = 7 * 24 * time.Hour
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = 3
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = 100 * time.Millisecond
	}
	return o
}

// Repository is the boundary the triage pipeline talks to. Mutating
// operations report success through flags and never panic or propagate
// storage errors; accessors read a decrypt-only snapshot without taking
// the writer lock.
type Repository struct {
	mu      sync.Mutex
	blob    *blobStore
	backups *backupManager
	km      *keys.Manager

	baseDir       string
	retentionDays int
	cleanupEvery  time.Duration
}

// Open prepares the state directories, loads (or creates) the key history
// and returns a ready Repository.
func Open(opts Options) (*Repository, error) {
	if strings.TrimSpace(opts.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	opts = opts.withDefaults()

	if err := state.EnsureStateDirs(opts.BaseDir); err != nil {
		return nil, err
	}
	paths := state.PathsFor(opts.BaseDir)

	km, err := keys.Open(paths.KeyHistory, opts.RotationInterval)
	if err != nil {
		return nil, err
	}

	blob := &blobStore{
		path:    paths.Records,
		km:      km,
		retries: opts.WriteRetries,
		backoff: opts.WriteBackoff,
	}
	bm := &backupManager{
		live:      paths.Records,
		dir:       paths.Backups,
		km:        km,
		retention: opts.BackupRetention,
	}
	r := &Repository{
		blob:          blob,
		backups:       bm,
		km:            km,
		baseDir:       opts.BaseDir,
		retentionDays: opts.RetentionDays,
		cleanupEvery:  opts.CleanupInterval,
	}

	if doc, ok := blob.readOnly(); ok {
		metricRecords.Set(float64(len(doc.Records)))
	}
	logger.Info("store_opened", "base", opts.BaseDir, "keys", km.Size())
	return r, nil
}

// AddRecord validates the input, derives the Record and appends it via a
// read-modify-write cycle under the writer lock. On success it kicks the
// best-effort maintenance hooks (cleanup, rotation-if-due); their failures
// never undo the add. Returns the record id and a success flag.
func (r *Repository) AddRecord(in models.RecordInput) (string, bool) {
	if err := in.Validate(); err != nil {
		logger.Warn("add_record_invalid_input", "error", err)
		return "", false
	}
	rec := in.BuildRecord()

	r.mu.Lock()
	doc, ok := r.blob.read(r.backups, true)
	if !ok {
		// live and backups are unrecoverable; carry on with the fresh
		// Document so the pipeline does not wedge on one corrupt store
		logger.Warn("add_record_degraded_read", "message_id", rec.MessageID)
	}
	doc.Records = append(doc.Records, rec)
	err := r.blob.write(doc, r.backups)
	r.mu.Unlock()

	if err != nil {
		logger.Error("add_record_write_failed", "message_id", rec.MessageID, "error", err)
		return "", false
	}
	logger.Debug("record_added", "id", rec.ID, "message_id", rec.MessageID)

	if _, cok := r.CleanupOldRecords(0, false); !cok {
		logger.Warn("post_add_cleanup_failed", "message_id", rec.MessageID)
	}
	if !r.RotateKeyIfDue() {
		logger.Warn("post_add_rotation_failed", "message_id", rec.MessageID)
	}
	return rec.ID, true
}

// IsProcessed reports whether messageID was already handled, either as a
// record's own message_id or as a member of a recorded thread. The second
// return is the confidence flag: false means the store could not be read
// and the first value must not be trusted.
func (r *Repository) IsProcessed(messageID string) (found bool, ok bool) {
	if strings.TrimSpace(messageID) == "" {
		return false, true
	}

	r.mu.Lock()
	doc, ok := r.blob.read(r.backups, true)
	r.mu.Unlock()
	if !ok {
		return false, false
	}

	for i := range doc.Records {
		rec := &doc.Records[i]
		if rec.MessageID == messageID {
			return true, true
		}
		for _, tm := range rec.ThreadMessages {
			if tm == messageID {
				return true, true
			}
		}
	}
	return false, true
}

// CleanupOldRecords drops records older than the retention window and
// stamps metadata.last_cleanup. Without force the call is a silent no-op
// when the last cleanup ran inside the cleanup interval. retentionDays <= 0
// means the configured default. Returns (records removed, success).
func (r *Repository) CleanupOldRecords(retentionDays int, force bool) (int, bool) {
	if retentionDays <= 0 {
		retentionDays = r.retentionDays
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.blob.read(r.backups, true)
	if !ok {
		logger.Warn("cleanup_degraded_read")
		return 0, false
	}

	now := time.Now()
	if !force {
		if last, err := models.ParseISO(doc.Metadata.LastCleanup); err == nil {
			if now.Sub(last) < r.cleanupEvery {
				logger.Debug("cleanup_skipped_recent", "last_cleanup", doc.Metadata.LastCleanup)
				return 0, true
			}
		}
	}

	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	kept := make([]models.Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		ts, err := models.ParseISO(rec.Timestamp)
		if err != nil {
			// never guess the age of a malformed timestamp
			kept = append(kept, rec)
			continue
		}
		if ts.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := len(doc.Records) - len(kept)
	doc.Records = kept
	doc.Metadata.LastCleanup = now.UTC().Format(time.RFC3339Nano)

	if err := r.blob.write(doc, r.backups); err != nil {
		logger.Error("cleanup_write_failed", "error", err)
		return 0, false
	}
	if removed > 0 {
		metricCleanupRemoved.Add(float64(removed))
	}
	logger.Info("cleanup_complete", "removed", removed, "retention_days", retentionDays, "force", force)
	if logger.Audit != nil {
		logger.Audit.Info("cleanup_complete", "removed", removed, "retention_days", retentionDays)
	}
	return removed, true
}

// CleanupPreview counts the records a cleanup with the given retention
// would remove, without writing anything. Used by dry-run maintenance.
func (r *Repository) CleanupPreview(retentionDays int) (int, bool) {
	if retentionDays <= 0 {
		retentionDays = r.retentionDays
	}
	doc, ok := r.blob.readOnly()
	if !ok {
		return 0, false
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removable := 0
	for i := range doc.Records {
		ts, err := models.ParseISO(doc.Records[i].Timestamp)
		if err != nil {
			continue
		}
		if !ts.After(cutoff) {
			removable++
		}
	}
	return removable, true
}

// RotateKey forces a key rotation regardless of schedule.
func (r *Repository) RotateKey() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(true)
}

// RotateKeyIfDue rotates only when the configured interval has elapsed
// since metadata.last_key_rotation. Returns true when nothing was due.
func (r *Repository) RotateKeyIfDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(false)
}

func (r *Repository) rotateLocked(force bool) bool {
	doc, ok := r.blob.read(r.backups, true)
	if !ok {
		logger.Warn("rotation_degraded_read")
		return false
	}
	if !force {
		var last time.Time
		if t, err := models.ParseISO(doc.Metadata.LastKeyRotation); err == nil {
			last = t
		}
		if !r.km.RotationDue(last) {
			return true
		}
	}

	// snapshot the ciphertext under the outgoing key before the ring moves
	if _, err := r.backups.createBackup(); err != nil {
		logger.Warn("pre_rotation_backup_failed", "error", err)
	}
	if err := r.km.Rotate(); err != nil {
		logger.Error("key_rotation_failed", "error", err)
		return false
	}
	metricRotations.Inc()

	doc.Metadata.LastKeyRotation = models.NowISO()
	if err := r.blob.write(doc, r.backups); err != nil {
		// the ring already moved; the document stays readable via history
		logger.Error("post_rotation_write_failed", "error", err)
		return false
	}
	logger.Info("key_rotation_complete", "keys", r.km.Size())
	return true
}

// RotationDue reports whether the rotation interval has elapsed, without
// rotating. Reads a decrypt-only snapshot.
func (r *Repository) RotationDue() bool {
	doc, ok := r.blob.readOnly()
	if !ok {
		return false
	}
	t, err := models.ParseISO(doc.Metadata.LastKeyRotation)
	if err != nil {
		return true
	}
	return r.km.RotationDue(t)
}

// Backup takes an on-demand snapshot of the live file. A store that has
// never been written counts as success.
func (r *Repository) Backup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.backups.createBackup(); err != nil {
		logger.Error("backup_failed", "error", err)
		return false
	}
	return true
}

// PruneBackups removes snapshots past the retention window.
func (r *Repository) PruneBackups() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.backups.prune()
	if err != nil {
		logger.Error("backup_prune_failed", "error", err)
		return 0, false
	}
	return n, true
}

// snapshot is the decrypt-only view behind the lock-free accessors.
func (r *Repository) snapshot() *models.Document {
	doc, _ := r.blob.readOnly()
	return doc
}

// RecordCount returns the number of stored records.
func (r *Repository) RecordCount() int {
	return len(r.snapshot().Records)
}

// RecordsSince returns the records stamped at or after since.
func (r *Repository) RecordsSince(since time.Time) []models.Record {
	doc := r.snapshot()
	out := make([]models.Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		ts, err := models.ParseISO(rec.Timestamp)
		if err != nil {
			continue
		}
		if !ts.Before(since) {
			out = append(out, rec)
		}
	}
	return out
}

// RecordsByCategory returns the records whose analysis carries the given
// final category.
func (r *Repository) RecordsByCategory(category string) []models.Record {
	doc := r.snapshot()
	out := make([]models.Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		if rec.FinalCategory() == category {
			out = append(out, rec)
		}
	}
	return out
}

// AllRecords returns every stored record.
func (r *Repository) AllRecords() []models.Record {
	return r.snapshot().Records
}

// CategoryCounts buckets records by final category. Records with a missing
// or unrecognized category land in the "unknown" bucket.
func (r *Repository) CategoryCounts() map[string]int {
	counts := models.CategoryBuckets()
	for _, rec := range r.snapshot().Records {
		c := rec.FinalCategory()
		if !models.KnownCategory(c) {
			c = models.CategoryUnknown
		}
		counts[c]++
	}
	return counts
}

// VerifyRecords recomputes every record id and checks checksum presence,
// returning the number of mismatches. The second return is false when the
// store could not be read.
func (r *Repository) VerifyRecords() (int, bool) {
	doc, ok := r.blob.readOnly()
	if !ok {
		return 0, false
	}
	bad := 0
	for i := range doc.Records {
		rec := &doc.Records[i]
		if models.RecordID(rec.Timestamp, rec.MessageID) != rec.ID || rec.Checksum == "" {
			bad++
		}
	}
	if bad > 0 {
		logger.Warn("record_verification_mismatch", "count", bad)
		if logger.Audit != nil {
			logger.Audit.Warn("record_verification_mismatch", "count", bad)
		}
	}
	return bad, true
}

// Stats is a point-in-time summary for the status endpoint and sweep logs.
type Stats struct {
	Records         int            `json:"records"`
	Categories      map[string]int `json:"categories"`
	LastCleanup     string         `json:"last_cleanup"`
	LastKeyRotation string         `json:"last_key_rotation"`
	LastBackup      string         `json:"last_backup,omitempty"`
	DataVersion     int            `json:"data_version"`
	Keys            int            `json:"keys"`
	Backups         int            `json:"backups"`
	BackupBytes     int64          `json:"backup_bytes"`
}

// Stats reads a decrypt-only snapshot and the backup directory.
func (r *Repository) Stats() Stats {
	doc := r.snapshot()
	counts := models.CategoryBuckets()
	for _, rec := range doc.Records {
		c := rec.FinalCategory()
		if !models.KnownCategory(c) {
			c = models.CategoryUnknown
		}
		counts[c]++
	}
	bCount, bBytes := r.backups.stats()
	return Stats{
		Records:         len(doc.Records),
		Categories:      counts,
		LastCleanup:     doc.Metadata.LastCleanup,
		LastKeyRotation: doc.Metadata.LastKeyRotation,
		LastBackup:      doc.Metadata.LastBackup,
		DataVersion:     doc.Metadata.DataVersion,
		Keys:            r.km.Size(),
		Backups:         bCount,
		BackupBytes:     bBytes,
	}
}

// Ready reports whether the key ring is loaded.
func (r *Repository) Ready() bool {
	return r.km.Size() > 0
}

// BaseDir returns the state directory the repository was opened on.
func (r *Repository) BaseDir() string {
	return r.baseDir
}

// Close wipes key material. The Repository must not be used afterwards.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.km.Close()
	logger.Info("store_closed", "base", r.baseDir)
}
