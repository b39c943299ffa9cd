package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"triagedb/pkg/logger"
)

// wrapHTTPHandler adapts a net/http handler to fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		fasthttpadaptor.NewFastHTTPHandler(h)(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		_, _ = ctx.WriteString(`{"error":"encoding failed"}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	_, _ = ctx.Write(b)
}

func writeJSONError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// healthzHandler is pure liveness.
func (a *App) healthzHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString(`{"status":"ok"}`)
}

// readyzHandler reports whether the store can serve.
func (a *App) readyzHandler(ctx *fasthttp.RequestCtx) {
	if !a.repo.Ready() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		_, _ = ctx.WriteString(`{"status":"not ready"}`)
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	_, _ = ctx.WriteString(`{"status":"ok","version":"` + ver + `"}`)
}

// statuszHandler returns the store stats snapshot with build info.
func (a *App) statuszHandler(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"version":    a.version,
		"commit":     a.commit,
		"build_date": a.buildDate,
		"store":      a.repo.Stats(),
	})
}

// adminCleanupHandler runs a retention cleanup. Query args: force (bool),
// retention_days (uint, 0 means the configured default).
func (a *App) adminCleanupHandler(ctx *fasthttp.RequestCtx) {
	force := ctx.QueryArgs().GetBool("force")
	days := ctx.QueryArgs().GetUintOrZero("retention_days")
	removed, ok := a.repo.CleanupOldRecords(days, force)
	if !ok {
		writeJSONError(ctx, fasthttp.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"removed": removed, "forced": force})
}

// adminRotateHandler forces a key rotation.
func (a *App) adminRotateHandler(ctx *fasthttp.RequestCtx) {
	if !a.repo.RotateKey() {
		writeJSONError(ctx, fasthttp.StatusInternalServerError, "rotation failed")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"rotated": true})
}

// adminBackupHandler takes an on-demand backup snapshot.
func (a *App) adminBackupHandler(ctx *fasthttp.RequestCtx) {
	if !a.repo.Backup() {
		writeJSONError(ctx, fasthttp.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
}

// buildHandler wires the ops surface. Probes and metrics are open; status,
// maintenance triggers and debug profiles go through the admin gate.
func (a *App) buildHandler() fasthttp.RequestHandler {
	metrics := wrapHTTPHandler(promhttp.Handler())
	pprofIndex := wrapHTTPHandler(http.HandlerFunc(pprof.Index))
	pprofCmdline := wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline))
	pprofProfile := wrapHTTPHandler(http.HandlerFunc(pprof.Profile))
	pprofSymbol := wrapHTTPHandler(http.HandlerFunc(pprof.Symbol))
	pprofTrace := wrapHTTPHandler(http.HandlerFunc(pprof.Trace))

	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		method := string(ctx.Method())
		path := string(ctx.Path())
		switch {
		case method == fasthttp.MethodGet && path == "/healthz":
			a.healthzHandler(ctx)
		case method == fasthttp.MethodGet && path == "/readyz":
			a.readyzHandler(ctx)
		case method == fasthttp.MethodGet && path == "/metrics":
			metrics(ctx)
		case method == fasthttp.MethodGet && path == "/statusz":
			a.guarded(ctx, a.statuszHandler)
		case method == fasthttp.MethodPost && path == "/admin/maintenance/cleanup":
			a.guarded(ctx, a.adminCleanupHandler)
		case method == fasthttp.MethodPost && path == "/admin/maintenance/rotate":
			a.guarded(ctx, a.adminRotateHandler)
		case method == fasthttp.MethodPost && path == "/admin/maintenance/backup":
			a.guarded(ctx, a.adminBackupHandler)
		case method == fasthttp.MethodGet && path == "/admin/debug/pprof/":
			a.guarded(ctx, pprofIndex)
		case method == fasthttp.MethodGet && path == "/admin/debug/pprof/cmdline":
			a.guarded(ctx, pprofCmdline)
		case method == fasthttp.MethodGet && path == "/admin/debug/pprof/profile":
			a.guarded(ctx, pprofProfile)
		case method == fasthttp.MethodGet && path == "/admin/debug/pprof/symbol":
			a.guarded(ctx, pprofSymbol)
		case method == fasthttp.MethodGet && path == "/admin/debug/pprof/trace":
			a.guarded(ctx, pprofTrace)
		default:
			writeJSONError(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

// startHTTP builds and starts the fasthttp server, returning a channel
// that delivers the listener error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	const (
		readBufferSize     = 16 * 1024
		maxRequestBodySize = 1 * 1024 * 1024
		readTimeout        = 10 * time.Second
		writeTimeout       = 10 * time.Second
		idleTimeout        = 30 * time.Second
	)
	a.srvFast = &fasthttp.Server{
		Handler:            a.buildHandler(),
		Name:               "triagedb",
		ReadBufferSize:     readBufferSize,
		MaxRequestBodySize: maxRequestBodySize,
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_listener_start", "addr", a.eff.Addr)
		errCh <- a.srvFast.ListenAndServe(a.eff.Addr)
	}()
	return errCh
}
