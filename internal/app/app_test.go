package app

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"triagedb/pkg/config"
	"triagedb/pkg/models"
	"triagedb/pkg/store"
)

func newTestApp(t *testing.T, adminKeys []string, rps float64, burst int) *App {
	t.Helper()
	repo, err := store.Open(store.Options{BaseDir: t.TempDir(), WriteBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(repo.Close)

	cfg := &config.Config{}
	cfg.Security.APIKeys.Admin = adminKeys
	cfg.Security.RateLimit.RPS = rps
	cfg.Security.RateLimit.Burst = burst
	eff := config.EffectiveConfigResult{Config: cfg, DataDir: repo.BaseDir()}

	return &App{
		eff:       eff,
		version:   "1.2.3",
		commit:    "abc1234",
		buildDate: "2026-08-01",
		repo:      repo,
		admin:     newAdminGate(eff),
	}
}

func doRequest(h fasthttp.RequestHandler, method, uri, key string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if key != "" {
		req.Header.Set(adminKeyHeader, key)
	}
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h(&ctx)
	return &ctx
}

func decodeBody(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("response not JSON: %v: %s", err, ctx.Response.Body())
	}
	return out
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t, nil, 100, 100)
	ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/healthz", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if got := decodeBody(t, ctx)["status"]; got != "ok" {
		t.Fatalf("status field = %v", got)
	}
}

func TestReadyz(t *testing.T) {
	a := newTestApp(t, nil, 100, 100)
	h := a.buildHandler()

	ctx := doRequest(h, fasthttp.MethodGet, "/readyz", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	out := decodeBody(t, ctx)
	if out["status"] != "ok" || out["version"] != "1.2.3" {
		t.Fatalf("readyz body wrong: %v", out)
	}

	// a closed store has no keys and must fail readiness
	a.repo.Close()
	ctx = doRequest(h, fasthttp.MethodGet, "/readyz", "")
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status after close = %d, want 503", ctx.Response.StatusCode())
	}
}

func TestUnknownRoutes(t *testing.T) {
	a := newTestApp(t, nil, 100, 100)
	h := a.buildHandler()

	if ctx := doRequest(h, fasthttp.MethodGet, "/nope", ""); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", ctx.Response.StatusCode())
	}
	// method mismatch is a miss, not a method error
	if ctx := doRequest(h, fasthttp.MethodPost, "/healthz", ""); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("POST /healthz = %d, want 404", ctx.Response.StatusCode())
	}
	if ctx := doRequest(h, fasthttp.MethodGet, "/admin/maintenance/cleanup", ""); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("GET on POST-only admin route = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestAdminGateAuth(t *testing.T) {
	t.Run("no keys configured", func(t *testing.T) {
		a := newTestApp(t, nil, 100, 100)
		ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/statusz", "whatever")
		if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
			t.Fatalf("status = %d, want 403", ctx.Response.StatusCode())
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		a := newTestApp(t, []string{"adm-secret"}, 100, 100)
		ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/statusz", "wrong")
		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
		}
	})

	t.Run("missing key", func(t *testing.T) {
		a := newTestApp(t, []string{"adm-secret"}, 100, 100)
		ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/statusz", "")
		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
		}
	})

	t.Run("valid key", func(t *testing.T) {
		a := newTestApp(t, []string{"adm-secret"}, 100, 100)
		ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/statusz", "adm-secret")
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
		}
		out := decodeBody(t, ctx)
		if out["version"] != "1.2.3" || out["commit"] != "abc1234" {
			t.Fatalf("statusz body wrong: %v", out)
		}
		if _, ok := out["store"].(map[string]any); !ok {
			t.Fatalf("statusz missing store stats: %v", out)
		}
	})
}

func TestRateLimitBeforeAuth(t *testing.T) {
	// tiny bucket, no keys: unauthenticated probes burn budget and then
	// get throttled instead of reaching the auth check
	a := newTestApp(t, nil, 0.01, 2)
	h := a.buildHandler()

	want := []int{fasthttp.StatusForbidden, fasthttp.StatusForbidden, fasthttp.StatusTooManyRequests}
	for i, code := range want {
		ctx := doRequest(h, fasthttp.MethodGet, "/statusz", "")
		if ctx.Response.StatusCode() != code {
			t.Fatalf("request %d = %d, want %d", i+1, ctx.Response.StatusCode(), code)
		}
	}
}

func TestAdminCleanupEndpoint(t *testing.T) {
	a := newTestApp(t, []string{"adm-secret"}, 100, 100)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour).Format(time.RFC3339Nano)
	if _, ok := a.repo.AddRecord(models.RecordInput{MessageID: "stale", Timestamp: old}); !ok {
		t.Fatalf("add failed")
	}
	if _, ok := a.repo.AddRecord(models.RecordInput{MessageID: "fresh"}); !ok {
		t.Fatalf("add failed")
	}

	ctx := doRequest(a.buildHandler(), fasthttp.MethodPost, "/admin/maintenance/cleanup?force=true&retention_days=30", "adm-secret")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	out := decodeBody(t, ctx)
	if out["removed"] != float64(1) || out["forced"] != true {
		t.Fatalf("cleanup response wrong: %v", out)
	}
	if got := a.repo.RecordCount(); got != 1 {
		t.Fatalf("record count = %d, want 1", got)
	}
}

func TestAdminRotateEndpoint(t *testing.T) {
	a := newTestApp(t, []string{"adm-secret"}, 100, 100)
	if got := a.repo.Stats().Keys; got != 1 {
		t.Fatalf("fresh key count = %d, want 1", got)
	}

	ctx := doRequest(a.buildHandler(), fasthttp.MethodPost, "/admin/maintenance/rotate", "adm-secret")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if out := decodeBody(t, ctx); out["rotated"] != true {
		t.Fatalf("rotate response wrong: %v", out)
	}
	if got := a.repo.Stats().Keys; got != 2 {
		t.Fatalf("key count after rotate = %d, want 2", got)
	}
}

func TestAdminBackupEndpoint(t *testing.T) {
	a := newTestApp(t, []string{"adm-secret"}, 100, 100)
	if _, ok := a.repo.AddRecord(models.RecordInput{MessageID: "m1"}); !ok {
		t.Fatalf("add failed")
	}

	ctx := doRequest(a.buildHandler(), fasthttp.MethodPost, "/admin/maintenance/backup", "adm-secret")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := a.repo.Stats().Backups; got != 1 {
		t.Fatalf("backup count = %d, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t, nil, 100, 100)
	ctx := doRequest(a.buildHandler(), fasthttp.MethodGet, "/metrics", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "triagedb_store_records") {
		t.Fatalf("metrics exposition missing store gauge")
	}
}

func TestPprofGated(t *testing.T) {
	a := newTestApp(t, []string{"adm-secret"}, 100, 100)
	h := a.buildHandler()

	if ctx := doRequest(h, fasthttp.MethodGet, "/admin/debug/pprof/cmdline", ""); ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("ungated pprof = %d, want 401", ctx.Response.StatusCode())
	}
	if ctx := doRequest(h, fasthttp.MethodGet, "/admin/debug/pprof/cmdline", "adm-secret"); ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("authorized pprof = %d, want 200", ctx.Response.StatusCode())
	}
}
