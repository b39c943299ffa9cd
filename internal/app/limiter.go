package app

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"triagedb/pkg/config"
)

// adminKeyHeader carries the admin API key. Its value is redacted from
// request logs.
const adminKeyHeader = "X-Triagedb-Key"

// adminGate authenticates admin requests by API key and rate limits per
// caller identity: the presented key when there is one, the client IP
// otherwise. Each identity gets an independent token bucket; stale buckets
// are evicted in the background.
type adminGate struct {
	keys  map[string]struct{}
	rps   float64
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	l        *rate.Limiter
	lastSeen time.Time
}

func newAdminGate(eff config.EffectiveConfigResult) *adminGate {
	sec := eff.Config.Security
	g := &adminGate{
		keys:    make(map[string]struct{}, len(sec.APIKeys.Admin)),
		rps:     sec.RateLimit.RPS,
		burst:   sec.RateLimit.Burst,
		clients: make(map[string]*clientLimiter),
	}
	for _, k := range sec.APIKeys.Admin {
		g.keys[k] = struct{}{}
	}
	go g.cleanupLoop()
	return g
}

// allow checks the token bucket for id, creating it on first use.
func (g *adminGate) allow(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.clients[id]
	if !ok {
		e = &clientLimiter{l: rate.NewLimiter(rate.Limit(g.rps), g.burst)}
		g.clients[id] = e
	}
	e.lastSeen = time.Now()
	return e.l.Allow()
}

func (g *adminGate) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		g.mu.Lock()
		for id, e := range g.clients {
			if e.lastSeen.Before(cutoff) {
				delete(g.clients, id)
			}
		}
		g.mu.Unlock()
	}
}

// guarded runs h when the request passes rate limiting and key auth. The
// limiter runs first so failed auth attempts also consume budget.
func (a *App) guarded(ctx *fasthttp.RequestCtx, h fasthttp.RequestHandler) {
	key := string(ctx.Request.Header.Peek(adminKeyHeader))
	id := key
	if id == "" {
		id = ctx.RemoteIP().String()
	}
	if !a.admin.allow(id) {
		writeJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if len(a.admin.keys) == 0 {
		writeJSONError(ctx, fasthttp.StatusForbidden, "admin API disabled: no admin keys configured")
		return
	}
	if _, ok := a.admin.keys[key]; !ok {
		writeJSONError(ctx, fasthttp.StatusUnauthorized, "invalid admin key")
		return
	}
	h(ctx)
}
