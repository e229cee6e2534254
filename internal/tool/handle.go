package tool

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/fiber"
)

// ErrHandleClosed is returned for calls made after a handle shut down.
var ErrHandleClosed = errors.New("tool handle closed")

// Exchange performs one round trip against a live tool process: write the
// request, read the reply. Implementations belong to the analysis backends;
// the handle only serializes access.
type Exchange func(p *Process, request []byte) ([]byte, error)

type call struct {
	request []byte
	reply   chan callResult
}

type callResult struct {
	response []byte
	err      error
}

// Handle serializes calls to one tool process. At most one call is in
// flight; the rest wait FIFO. A dead or timed-out tool fails the waiting
// queue with a *Failure.
type Handle struct {
	logger   *zap.Logger
	name     string
	exchange Exchange
	timeout  time.Duration

	proc  *Process
	calls chan call
	quit  chan struct{}
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithCallTimeout bounds each round trip. Zero means no timeout.
func WithCallTimeout(d time.Duration) HandleOption {
	return func(h *Handle) { h.timeout = d }
}

// NewHandle wraps a started process. The handle owns the process from here
// on: Close kills it.
func NewHandle(logger *zap.Logger, proc *Process, exchange Exchange, opts ...HandleOption) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{
		logger:   logger,
		name:     proc.Name,
		exchange: exchange,
		proc:     proc,
		calls:    make(chan call, 64),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.serve()
	return h
}

// Name returns the tool name.
func (h *Handle) Name() string { return h.name }

// Call performs one round trip from a fiber, suspending until the reply or
// failure arrives.
func (h *Handle) Call(tc *fiber.Context, request []byte) ([]byte, error) {
	c := call{request: request, reply: make(chan callResult, 1)}
	select {
	case h.calls <- c:
	case <-h.quit:
		return nil, h.failure(ErrHandleClosed)
	}

	res, err := fiber.Await(tc, c.reply)
	if err != nil {
		return nil, err
	}
	return res.response, res.err
}

// serve drains the call queue one request at a time. After the process
// dies it stays alive to fail late arrivals until the handle is closed.
func (h *Handle) serve() {
	for {
		select {
		case <-h.quit:
			h.drain(ErrHandleClosed)
			return
		case <-h.proc.Done():
			cause := fmt.Errorf("process exited: %v", h.proc.ExitErr())
			h.drain(cause)
			for {
				select {
				case <-h.quit:
					h.drain(ErrHandleClosed)
					return
				case c := <-h.calls:
					c.reply <- callResult{err: h.failure(cause)}
				}
			}
		case c := <-h.calls:
			c.reply <- h.roundTrip(c.request)
		}
	}
}

func (h *Handle) roundTrip(request []byte) callResult {
	if !h.proc.Alive() {
		return callResult{err: h.failure(errors.New("process not running"))}
	}

	type outcome struct {
		response []byte
		err      error
	}
	result := make(chan outcome, 1)
	go func() {
		resp, err := h.exchange(h.proc, request)
		result <- outcome{resp, err}
	}()

	var timeoutCh <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case out := <-result:
		if out.err != nil {
			return callResult{err: h.failure(out.err)}
		}
		return callResult{response: out.response}
	case <-timeoutCh:
		// A stuck tool cannot be trusted with the next request.
		h.logger.Warn("tool call timed out, killing process",
			zap.String("tool", h.name),
			zap.Duration("timeout", h.timeout))
		_ = h.proc.Kill()
		return callResult{err: h.failure(fmt.Errorf("call timed out after %s", h.timeout))}
	}
}

// drain fails every queued call.
func (h *Handle) drain(cause error) {
	failure := h.failure(cause)
	for {
		select {
		case c := <-h.calls:
			c.reply <- callResult{err: failure}
		default:
			return
		}
	}
}

func (h *Handle) failure(cause error) *Failure {
	return &Failure{
		Tool:   h.name,
		Err:    cause,
		Stderr: h.proc.StderrTail(),
	}
}

// Close kills the process and fails queued calls.
func (h *Handle) Close() {
	select {
	case <-h.quit:
		return
	default:
	}
	close(h.quit)
	_ = h.proc.Kill()
}
