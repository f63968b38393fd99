package handlers

import (
	"context"
	"sync"
)

// sessionTracker counts hijacked device connections. http.Server.Shutdown
// does not see them once they leave the request lifecycle.
type sessionTracker struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// add registers a session; it refuses once draining started.
func (t *sessionTracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *sessionTracker) done() { t.wg.Done() }

// wait stops new sessions and blocks until the running ones have returned
// or ctx is done.
func (t *sessionTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitSessions blocks until every device session has released its device.
// Call it after cancelling Config.BaseContext.
func (h *Handler) WaitSessions(ctx context.Context) error {
	return h.sessions.wait(ctx)
}
