package woofr

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Anti-forgery token guard
// ============================================================================

// TokenGuard owns the process-wide anti-forgery token. The token has a soft
// TTL; Ensure returns the cached value while it is fresh and fetches a new
// one otherwise. Concurrent callers never trigger more than one fetch: the
// first caller starts it and everyone else awaits the same in-flight result.
type TokenGuard struct {
	fetch func(ctx context.Context) (string, error)
	ttl   time.Duration

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
	inflight  *tokenFetch
}

// tokenFetch is a shared in-flight fetch that multiple callers await.
type tokenFetch struct {
	done  chan struct{}
	token string
	err   error
}

func newTokenGuard(fetch func(ctx context.Context) (string, error), ttl time.Duration) *TokenGuard {
	return &TokenGuard{fetch: fetch, ttl: ttl}
}

// Ensure returns a currently-valid token. If the cached token is younger than
// the refresh interval it is returned without a network call; otherwise a
// fetch is started, joining an in-flight one if present. On fetch failure the
// returned token is empty and the error is surfaced to every waiter.
func (g *TokenGuard) Ensure(ctx context.Context) (string, error) {
	g.mu.Lock()
	if g.token != "" && time.Since(g.fetchedAt) < g.ttl {
		token := g.token
		g.mu.Unlock()
		return token, nil
	}
	f := g.startFetchLocked(ctx)
	g.mu.Unlock()
	return f.wait(ctx)
}

// ForceRefresh discards the cached token and fetches a new one, single-flighted
// the same way as Ensure. An in-flight fetch is awaited rather than duplicated:
// its result is by definition newer than the token just rejected.
func (g *TokenGuard) ForceRefresh(ctx context.Context) (string, error) {
	g.mu.Lock()
	g.token = ""
	g.fetchedAt = time.Time{}
	f := g.startFetchLocked(ctx)
	g.mu.Unlock()
	return f.wait(ctx)
}

// startFetchLocked returns the in-flight fetch, starting one if none exists.
// Callers must hold g.mu.
func (g *TokenGuard) startFetchLocked(ctx context.Context) *tokenFetch {
	if g.inflight != nil {
		return g.inflight
	}
	f := &tokenFetch{done: make(chan struct{})}
	g.inflight = f

	// Detach from the initiating caller's context: a single caller backing
	// out must not poison the shared fetch for everyone else awaiting it.
	fetchCtx := context.WithoutCancel(ctx)
	go func() {
		token, err := g.fetch(fetchCtx)
		g.mu.Lock()
		if err == nil {
			g.token = token
			g.fetchedAt = time.Now()
		}
		g.inflight = nil
		g.mu.Unlock()
		f.token, f.err = token, err
		close(f.done)
	}()
	return f
}

func (f *tokenFetch) wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.token, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
