package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"triagedb/pkg/config"
	"triagedb/pkg/logger"
	"triagedb/pkg/state"
	"triagedb/pkg/store"
)

// Manager drives the scheduled maintenance sweep: retention cleanup,
// rotation check, backup pruning and record verification, serialized
// across processes by a file lease.
type Manager struct {
	cfg   config.MaintenanceConfig
	store *store.Repository
	lease *fileLease

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mutex   sync.Mutex
}

// Start launches the cron loop when maintenance is enabled. The returned
// cancel func stops the loop; it is safe to call when disabled.
func Start(ctx context.Context, eff config.EffectiveConfigResult, repo *store.Repository) (context.CancelFunc, error) {
	mc := eff.Config.Maintenance
	if !mc.Enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}

	ctx2, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:    mc,
		store:  repo,
		lease:  newFileLease(state.PathsFor(eff.DataDir).Maintenance),
		ctx:    ctx2,
		cancel: cancel,
	}
	logger.Info("maintenance_enabled", "cron", mc.Cron, "dry_run", mc.DryRun)
	go m.scheduleLoop()
	return cancel, nil
}

func (m *Manager) scheduleLoop() {
	for {
		now := time.Now()
		next, err := gronx.NextTickAfter(m.cfg.Cron, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			m.runJob()
			select {
			case <-time.After(time.Second):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			m.runJob()
		case <-m.ctx.Done():
			return
		}
	}
}

// runJob runs one sweep, skipping if the previous one is still going.
func (m *Manager) runJob() {
	m.mutex.Lock()
	if m.running {
		m.mutex.Unlock()
		return
	}
	m.running = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.running = false
		m.mutex.Unlock()
	}()

	if err := m.runSweep(m.ctx); err != nil {
		logger.Error("maintenance_run_error", "error", err)
	}
}

// runSweep executes a single sweep under the file lease: cleanup, rotation
// check, backup prune and verification, with audit header/item/footer
// events. Dry-run reports what would happen without writing.
func (m *Manager) runSweep(ctx context.Context) error {
	owner := genOwner()
	ttl := m.cfg.LockTTL.Duration()
	acq, err := m.lease.acquire(owner, ttl)
	if err != nil {
		logger.Error("maintenance_lease_acquire_error", "error", err)
		return fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acq {
		logger.Info("maintenance_lease_not_acquired")
		return nil
	}
	defer func() {
		if rerr := m.lease.release(owner); rerr != nil {
			logger.Error("maintenance_lease_release_error", "error", rerr)
		}
	}()

	// abort the run if the lease cannot be renewed repeatedly
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	hbCtx, hbCancel := context.WithCancel(runCtx)
	defer hbCancel()
	go func() {
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		var failCount int
		const maxConsecutiveRenewFails = 3
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := m.lease.renew(owner, ttl); err != nil {
					failCount++
					logger.Error("maintenance_lease_renew_failed", "error", err, "count", failCount)
					if failCount >= maxConsecutiveRenewFails {
						logger.Error("maintenance_lease_renew_failed_fatal", "owner", owner)
						runCancel()
						return
					}
				} else {
					if failCount != 0 {
						logger.Info("maintenance_lease_renew_recovered", "owner", owner, "recovered_count", failCount)
					}
					failCount = 0
				}
			}
		}
	}()

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	logger.Info("maintenance_run_start", "run_id", runID, "owner", owner, "dry_run", m.cfg.DryRun)
	auditEvent("maintenance_audit_header", runID,
		"started_at", time.Now().UTC().Format(time.RFC3339),
		"dry_run", m.cfg.DryRun)

	var removed, pruned, mismatches int

	// retention cleanup
	if m.cfg.DryRun {
		n, ok := m.store.CleanupPreview(0)
		removed = n
		auditItem(runID, "cleanup", statusOf(ok, "dry_run"), "removable", n)
	} else {
		n, ok := m.store.CleanupOldRecords(0, false)
		removed = n
		auditItem(runID, "cleanup", statusOf(ok, "success"), "removed", n)
	}
	if err := aborted(runCtx); err != nil {
		return err
	}

	// key rotation
	if m.cfg.DryRun {
		auditItem(runID, "rotate", "dry_run", "due", m.store.RotationDue())
	} else {
		ok := m.store.RotateKeyIfDue()
		auditItem(runID, "rotate", statusOf(ok, "success"))
	}
	if err := aborted(runCtx); err != nil {
		return err
	}

	// backup pruning
	if m.cfg.DryRun {
		auditItem(runID, "prune_backups", "dry_run")
	} else {
		n, ok := m.store.PruneBackups()
		pruned = n
		auditItem(runID, "prune_backups", statusOf(ok, "success"), "pruned", n)
	}
	if err := aborted(runCtx); err != nil {
		return err
	}

	// verification is read-only and runs in dry-run mode too
	bad, ok := m.store.VerifyRecords()
	mismatches = bad
	auditItem(runID, "verify", statusOf(ok, "success"), "mismatches", bad)

	st := m.store.Stats()
	auditEvent("maintenance_audit_footer", runID,
		"records", st.Records, "removed", removed, "pruned", pruned, "mismatches", mismatches)
	logger.Info("maintenance_run_complete",
		"run_id", runID,
		"records", st.Records,
		"removed", removed,
		"pruned", pruned,
		"mismatches", mismatches,
		"backups", st.Backups,
		"backup_usage", humanize.Bytes(uint64(st.BackupBytes)))
	return nil
}

func aborted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("maintenance run aborted due to lease renewal failures")
	default:
		return nil
	}
}

func statusOf(ok bool, success string) string {
	if ok {
		return success
	}
	return "failed"
}

// auditEvent emits to the audit sink when attached, falling back to the
// main logger.
func auditEvent(event, runID string, kv ...any) {
	args := append([]any{"run_id", runID}, kv...)
	if logger.Audit != nil {
		logger.Audit.Info(event, args...)
		return
	}
	logger.Info(event, args...)
}

func auditItem(runID, step, status string, kv ...any) {
	args := append([]any{"run_id", runID, "step", step, "status", status}, kv...)
	if logger.Audit != nil {
		logger.Audit.Info("maintenance_audit_item", args...)
		return
	}
	logger.Info("maintenance_audit_item", args...)
}
