package appserver

import "sync"

// runtime is one live app-server subprocess bound to a provider session.
type runtime struct {
	transport Transport
	folder    string
	model     string

	// providerSessionID is the session id assigned by the provider during
	// session/new; it is the conversation handle persisted between turns.
	providerSessionID string
}

// matches reports whether this runtime can serve a turn for the given
// worktree and model. A mismatch means the runtime must be replaced.
func (r *runtime) matches(folder, model string) bool {
	return r.folder == folder && r.model == model
}

// registry tracks live runtimes keyed by application session id. A runtime
// is taken out for the duration of a turn and stored back on success, so at
// most one turn ever holds it.
type registry struct {
	mu       sync.Mutex
	runtimes map[string]*runtime
}

func newRegistry() *registry {
	return &registry{runtimes: make(map[string]*runtime)}
}

// take removes and returns the runtime for sessionID, if any.
func (g *registry) take(sessionID string) (*runtime, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rt, ok := g.runtimes[sessionID]
	if ok {
		delete(g.runtimes, sessionID)
	}
	return rt, ok
}

// store parks a runtime for the next turn of sessionID.
func (g *registry) store(sessionID string, rt *runtime) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runtimes[sessionID] = rt
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runtimes)
}
