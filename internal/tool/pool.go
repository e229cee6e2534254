package tool

import (
	"sync"

	"go.uber.org/zap"
)

// Pool keys tool handles by workspace root and tool name, so concurrent
// workspaces do not share a dcd-server or dub instance.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles map[poolKey]*Handle
}

type poolKey struct {
	workspace string
	tool      string
}

// NewPool creates an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		logger:  logger,
		handles: make(map[poolKey]*Handle),
	}
}

// Get returns the handle for a workspace-scoped tool, if present and its
// process is still alive. Dead handles are evicted.
func (p *Pool) Get(workspace, tool string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey{workspace, tool}
	h, ok := p.handles[key]
	if !ok {
		return nil, false
	}
	if !h.proc.Alive() {
		delete(p.handles, key)
		return nil, false
	}
	return h, true
}

// Put registers a handle, closing any previous one for the same key.
func (p *Pool) Put(workspace, tool string, h *Handle) {
	p.mu.Lock()
	prev := p.handles[poolKey{workspace, tool}]
	p.handles[poolKey{workspace, tool}] = h
	p.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// CloseWorkspace shuts down every handle of one workspace.
func (p *Pool) CloseWorkspace(workspace string) {
	p.mu.Lock()
	var closing []*Handle
	for key, h := range p.handles {
		if key.workspace == workspace {
			closing = append(closing, h)
			delete(p.handles, key)
		}
	}
	p.mu.Unlock()
	for _, h := range closing {
		h.Close()
	}
}

// CloseAll shuts down the whole pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var closing []*Handle
	for key, h := range p.handles {
		closing = append(closing, h)
		delete(p.handles, key)
	}
	p.mu.Unlock()
	for _, h := range closing {
		h.Close()
	}
}
