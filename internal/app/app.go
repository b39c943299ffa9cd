package app

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"triagedb/internal/maintenance"
	"triagedb/pkg/config"
	"triagedb/pkg/config/banner"
	"triagedb/pkg/logger"
	"triagedb/pkg/state"
	"triagedb/pkg/store"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	repo        *store.Repository
	admin       *adminGate
	maintCancel context.CancelFunc
	srvFast     *fasthttp.Server
}

// New validates the effective config and opens the record store. It does
// not start the listener or the maintenance loop; call Run for those.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	if state.PathsVar.Base == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}

	sc := eff.Config.Store
	repo, err := store.Open(store.Options{
		BaseDir:          eff.DataDir,
		RetentionDays:    sc.RetentionDays,
		CleanupInterval:  sc.CleanupInterval.Duration(),
		RotationInterval: sc.RotationInterval.Duration(),
		BackupRetention:  sc.BackupRetention.Duration(),
		WriteRetries:     sc.WriteRetries,
		WriteBackoff:     sc.WriteBackoff.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("open record store at %s: %w", eff.DataDir, err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		repo:      repo,
		admin:     newAdminGate(eff),
	}
	return a, nil
}

// Store exposes the repository for embedding callers.
func (a *App) Store() *store.Repository { return a.repo }

// Run starts the maintenance loop and the ops listener and blocks until
// the context is canceled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	cancel, err := maintenance.Start(ctx, a.eff, a.repo)
	if err != nil {
		return err
	}
	a.maintCancel = cancel

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.maintCancel != nil {
		a.maintCancel()
	}
	if a.srvFast != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.srvFast.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("listener_shutdown_error", "error", err)
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.eff, verStr)
}
