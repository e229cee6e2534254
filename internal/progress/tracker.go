// Package progress tracks work-done and partial-result tokens and their
// relationship to the requests that spawned them.
package progress

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/jsonx"
	"github.com/dlang-community/dls/internal/protocol"
)

// ErrDuplicateToken is returned when a work-done token is created twice.
var ErrDuplicateToken = errors.New("progress token already in use")

// Notifier sends $/progress notifications to the client.
type Notifier func(token protocol.ProgressToken, value jsonx.Value)

type workDoneEntry struct {
	persistent bool // created via window/workDoneProgress/create
	cancelled  bool
	onCancel   func()
	owner      protocol.RequestToken
	hasOwner   bool
}

type partialEntry struct {
	request   protocol.RequestToken
	binding   int
	cancelled bool
}

// Tracker owns the token maps. All methods are safe for concurrent use,
// though in practice mutation happens between suspension points on the
// dispatch goroutine.
type Tracker struct {
	logger *zap.Logger
	notify Notifier

	mu       sync.Mutex
	workDone map[protocol.ProgressToken]*workDoneEntry
	partial  map[protocol.ProgressToken]*partialEntry
}

// NewTracker creates a tracker that emits through notify.
func NewTracker(logger *zap.Logger, notify Notifier) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger:   logger,
		notify:   notify,
		workDone: make(map[protocol.ProgressToken]*workDoneEntry),
		partial:  make(map[protocol.ProgressToken]*partialEntry),
	}
}

// CreateWorkDone registers a server-initiated token, which outlives any
// single request. The client acknowledged it via window/workDoneProgress/create.
func (tr *Tracker) CreateWorkDone(token protocol.ProgressToken, onCancel func()) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.workDone[token]; exists {
		return ErrDuplicateToken
	}
	tr.workDone[token] = &workDoneEntry{persistent: true, onCancel: onCancel}
	return nil
}

// AttachWorkDone registers a request-supplied work-done token. It is
// released when the request completes.
func (tr *Tracker) AttachWorkDone(token protocol.ProgressToken, owner protocol.RequestToken, onCancel func()) {
	if !token.IsSet() {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.workDone[token]; exists {
		tr.logger.Warn("work-done token reused by request", zap.Stringer("token", token))
		return
	}
	tr.workDone[token] = &workDoneEntry{owner: owner, hasOwner: true, onCancel: onCancel}
}

// CancelWorkDone handles window/workDoneProgress/cancel: the token is
// flagged and its cancel callback fired. Unknown tokens are a no-op.
func (tr *Tracker) CancelWorkDone(token protocol.ProgressToken) {
	tr.mu.Lock()
	entry, ok := tr.workDone[token]
	fire := ok && !entry.cancelled
	if fire {
		entry.cancelled = true
	}
	tr.mu.Unlock()
	if fire && entry.onCancel != nil {
		entry.onCancel()
	}
}

// RegisterPartial maps a partial-result token to the request and binding
// that will stream through it.
func (tr *Tracker) RegisterPartial(token protocol.ProgressToken, request protocol.RequestToken, binding int) {
	if !token.IsSet() {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.partial[token] = &partialEntry{request: request, binding: binding}
}

// EmitPartial streams one chunk through a partial-result token. Chunks for
// cancelled or unknown tokens are dropped, which keeps the terminality
// invariant: after a cancel no further progress for that token escapes.
func (tr *Tracker) EmitPartial(token protocol.ProgressToken, chunk jsonx.Value) {
	tr.mu.Lock()
	entry, ok := tr.partial[token]
	cancelled := !ok || entry.cancelled
	tr.mu.Unlock()

	if cancelled {
		tr.logger.Debug("dropping partial chunk", zap.Stringer("token", token))
		return
	}
	tr.notify(token, chunk)
}

// EmitWorkDone streams a begin/report/end value through a work-done token.
func (tr *Tracker) EmitWorkDone(token protocol.ProgressToken, value any) {
	tr.mu.Lock()
	entry, ok := tr.workDone[token]
	cancelled := ok && entry.cancelled
	tr.mu.Unlock()
	if !ok || cancelled {
		return
	}
	v, err := jsonx.EncodeValue(value)
	if err != nil {
		tr.logger.Warn("encode work-done payload", zap.Error(err))
		return
	}
	tr.notify(token, v)
}

// CancelByRequest flags every partial token attached to the request, so
// late chunks from its tasks are suppressed.
func (tr *Tracker) CancelByRequest(request protocol.RequestToken) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, entry := range tr.partial {
		if entry.request == request {
			entry.cancelled = true
		}
	}
}

// ReleaseRequest drops the request's partial tokens and its request-scoped
// work-done tokens. Persistent tokens created through workDoneProgress/create
// stay until cancelled or the server shuts down.
func (tr *Tracker) ReleaseRequest(request protocol.RequestToken) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for token, entry := range tr.partial {
		if entry.request == request {
			delete(tr.partial, token)
		}
	}
	for token, entry := range tr.workDone {
		if entry.hasOwner && entry.owner == request {
			delete(tr.workDone, token)
		}
	}
}
