package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestInitAndFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	t.Setenv("TRIAGEDB_LOG_SINK", "file:"+path)

	Init("debug")
	Info("sink_probe", "k", "v")
	Debug("debug_probe")
	Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "sink_probe") || !strings.Contains(out, "k=v") {
		t.Fatalf("log file missing entries: %s", out)
	}
	if !strings.Contains(out, "debug_probe") {
		t.Fatalf("debug level not honored: %s", out)
	}
}

func TestInitLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	t.Setenv("TRIAGEDB_LOG_SINK", "file:"+path)

	Init("warn")
	Info("filtered_info")
	Warn("kept_warn")
	Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "filtered_info") {
		t.Fatalf("info leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "kept_warn") {
		t.Fatalf("warn entry missing: %s", out)
	}
}

func TestAttachAuditFileSink(t *testing.T) {
	dir := t.TempDir()
	if err := AttachAuditFileSink(dir, 0); err != nil {
		t.Fatalf("attach audit sink: %v", err)
	}
	t.Cleanup(func() { Audit = nil })

	Audit.Info("audit_probe", "actor", "test")

	b, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "audit_sink_attached") || !strings.Contains(out, "audit_probe") {
		t.Fatalf("audit entries missing: %s", out)
	}
}

func TestAuditSinkRotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "audit.log")
	big := strings.Repeat("x", 2048)
	if err := os.WriteFile(fname, []byte(big), 0o600); err != nil {
		t.Fatalf("seed oversized file: %v", err)
	}

	if err := AttachAuditFileSink(dir, 1024); err != nil {
		t.Fatalf("attach audit sink: %v", err)
	}
	t.Cleanup(func() { Audit = nil })

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	rotated := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit.log.") {
			rotated = true
		}
	}
	if !rotated {
		t.Fatalf("oversized audit file not rotated, dir: %v", entries)
	}
	fi, err := os.Stat(fname)
	if err != nil {
		t.Fatalf("fresh audit file missing: %v", err)
	}
	if fi.Size() >= int64(len(big)) {
		t.Fatalf("audit file not reset, size = %d", fi.Size())
	}
}

func TestAttachAuditFileSinkRejectsSymlink(t *testing.T) {
	tmp := t.TempDir()
	real := filepath.Join(tmp, "real")
	if err := os.MkdirAll(real, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(tmp, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	if err := AttachAuditFileSink(link, 0); err == nil {
		t.Fatalf("symlinked audit dir must be rejected")
	}
}

func TestSafeHeadersRedaction(t *testing.T) {
	var req fasthttp.Request
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI("/statusz")
	req.Header.Set("X-Triagedb-Key", "super-secret")
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Request-Id", "req-1")
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)

	out := SafeHeadersFast(&ctx)
	if strings.Contains(out, "super-secret") || strings.Contains(out, "Bearer tok") {
		t.Fatalf("secret header values leaked: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Fatalf("redaction marker missing: %s", out)
	}
	if !strings.Contains(out, "req-1") {
		t.Fatalf("benign header lost: %s", out)
	}
}
