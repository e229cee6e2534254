// Package server assembles the language server: transport, scheduler,
// router, document manager, progress tracker, event bus, configuration and
// tool pool, threaded through one explicit Server value. It owns the
// initialize/shutdown/exit state machine and capability negotiation.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dlang-community/dls/internal/config"
	"github.com/dlang-community/dls/internal/document"
	"github.com/dlang-community/dls/internal/event"
	"github.com/dlang-community/dls/internal/fiber"
	"github.com/dlang-community/dls/internal/jsonx"
	"github.com/dlang-community/dls/internal/progress"
	"github.com/dlang-community/dls/internal/protocol"
	"github.com/dlang-community/dls/internal/router"
	"github.com/dlang-community/dls/internal/rpc"
	"github.com/dlang-community/dls/internal/tool"
)

// State is the lifecycle state of the server.
type State int

const (
	// StateUninitialized is the state before initialize.
	StateUninitialized State = iota
	// StateInitializing is the window between initialize and initialized.
	StateInitializing
	// StateReady is normal operation.
	StateReady
	// StateShuttingDown is the window between shutdown and exit.
	StateShuttingDown
	// StateExited means exit was received.
	StateExited
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Server.
type Options struct {
	// Logger receives all server logs. Defaults to a nop logger.
	Logger *zap.Logger

	// Name and Version identify the server at initialize.
	Name    string
	Version string
}

// Server is the explicit value every component hangs off; there is no
// package-level state.
type Server struct {
	logger *zap.Logger
	opts   Options

	framer  *rpc.Framer
	sched   *fiber.Scheduler
	reg     *router.Registry
	disp    *router.Dispatcher
	tracker *progress.Tracker
	docs    *document.Manager
	events  *event.Bus
	cfg     *config.Store
	tools   *tool.Pool

	// Dispatch-goroutine state.
	state      State
	rootURI    protocol.DocumentURI
	clientCaps protocol.ClientCapabilities
	startedAt  time.Time

	// Server-to-client request plumbing.
	nextOutID atomic.Int64
	pendingMu sync.Mutex
	pending   map[protocol.RequestToken]chan *protocol.Message

	// Dynamic registration ids by method, for idempotent unregistration.
	registrations map[string]string

	outgoing chan []byte

	watcher *config.Watcher

	exitOnce sync.Once
	exitCode int
	exitCh   chan struct{}
}

// New creates a server speaking LSP over the given byte streams.
func New(r io.Reader, w io.Writer, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "dls"
	}

	s := &Server{
		logger:        logger,
		opts:          opts,
		framer:        rpc.NewFramer(r, w),
		sched:         fiber.New(logger),
		reg:           router.NewRegistry(),
		docs:          document.NewManager(logger),
		events:        event.NewBus(logger),
		cfg:           config.NewStore(logger),
		tools:         tool.NewPool(logger),
		pending:       make(map[protocol.RequestToken]chan *protocol.Message),
		registrations: make(map[string]string),
		outgoing:      make(chan []byte, 256),
		exitCh:        make(chan struct{}),
		startedAt:     time.Now(),
	}
	s.tracker = progress.NewTracker(logger, s.sendProgress)
	s.disp = router.NewDispatcher(logger, s.reg, s.sched, s.tracker, s)

	s.registerLifecycleHandlers()
	s.registerDocumentHandlers()
	s.registerWorkspaceHandlers()
	return s
}

// Accessors for handler modules.

// Registry returns the method table for handler modules to register into.
func (s *Server) Registry() *router.Registry { return s.reg }

// Documents returns the document manager.
func (s *Server) Documents() *document.Manager { return s.docs }

// Events returns the lifecycle event bus.
func (s *Server) Events() *event.Bus { return s.events }

// Config returns the configuration store.
func (s *Server) Config() *config.Store { return s.cfg }

// Tools returns the external tool pool.
func (s *Server) Tools() *tool.Pool { return s.tools }

// Progress returns the progress tracker.
func (s *Server) Progress() *progress.Tracker { return s.tracker }

// Scheduler returns the fiber scheduler.
func (s *Server) Scheduler() *fiber.Scheduler { return s.sched }

// State returns the lifecycle state. Meaningful on the dispatch goroutine.
func (s *Server) State() State { return s.state }

// Serve runs the server until exit or a fatal transport error. It returns
// the process exit code: 0 after a clean shutdown/exit pair, 1 otherwise.
func (s *Server) Serve(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Run(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })

	// The read loop sits outside the group: it blocks in a stream read that
	// only the client can interrupt, so Serve must not wait on it after
	// exit. Its goroutine dies with the process or when the pipe closes.
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	select {
	case <-s.exitCh:
	case err := <-readErr:
		s.logger.Debug("transport closed before exit", zap.Error(err))
	case <-ctx.Done():
	}
	cancel()
	_ = g.Wait()

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.tools.CloseAll()

	select {
	case <-s.exitCh:
		return s.exitCode
	default:
		// Transport failure or external cancellation before exit.
		return 1
	}
}

// readLoop pulls frames off the transport and posts them to the dispatch
// goroutine. A transport error is fatal and ends the server.
func (s *Server) readLoop(ctx context.Context) error {
	for {
		payload, err := s.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("client closed the transport")
			} else {
				s.logger.Error("transport failure", zap.Error(err))
			}
			return err
		}
		msg, err := protocol.ParseMessage(payload)
		if err != nil {
			s.logger.Warn("dropping unparseable message", zap.Error(err))
			s.respondToBrokenPayload(payload, err)
			continue
		}
		s.sched.Post(func() { s.route(msg) })

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// respondToBrokenPayload answers a malformed message when its id is still
// recoverable, otherwise only logs.
func (s *Server) respondToBrokenPayload(payload []byte, cause error) {
	raw, extractErr := jsonx.ExtractSlice(payload, "id")
	if extractErr != nil {
		return
	}
	var id protocol.RequestToken
	if err := jsonx.Decode(raw, &id); err != nil {
		return
	}
	s.SendError(id, protocol.NewResponseError(protocol.CodeParseError, cause.Error()))
}

func (s *Server) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already queued, then stop.
			for {
				select {
				case frame := <-s.outgoing:
					if err := s.framer.WriteFrame(frame); err != nil {
						return err
					}
				default:
					return ctx.Err()
				}
			}
		case frame := <-s.outgoing:
			if err := s.framer.WriteFrame(frame); err != nil {
				s.logger.Error("write failure", zap.Error(err))
				return err
			}
		}
	}
}

// route gates a message through the lifecycle state machine and hands it to
// the dispatcher. Runs on the dispatch goroutine.
func (s *Server) route(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindResponse:
		s.resolvePending(msg)
		return
	case protocol.KindInvalid:
		s.logger.Warn("dropping message with no routable shape")
		return
	}

	// $/cancelRequest acts immediately, in every state.
	if msg.Method == "$/cancelRequest" {
		var params protocol.CancelParams
		if err := jsonx.Decode(msg.Params, &params); err != nil {
			s.logger.Warn("malformed $/cancelRequest", zap.Error(err))
			return
		}
		s.disp.CancelRequest(params.ID)
		return
	}

	if respErr := s.gate(msg); respErr != nil {
		if msg.Kind() == protocol.KindRequest {
			s.SendError(msg.ID, respErr)
		} else {
			s.logger.Warn("dropping notification in lifecycle state",
				zap.String("method", msg.Method),
				zap.String("state", s.state.String()))
		}
		return
	}

	s.disp.Dispatch(msg)
}

// gate applies the state machine's admission rules.
func (s *Server) gate(msg *protocol.Message) *protocol.ResponseError {
	switch s.state {
	case StateUninitialized:
		if msg.Method == "initialize" || msg.Method == "exit" {
			return nil
		}
		if msg.Kind() == protocol.KindRequest {
			return protocol.NewResponseError(protocol.CodeServerNotInitialized, "server not initialized")
		}
		// Notifications before initialize are dropped per the protocol.
		return protocol.NewResponseError(protocol.CodeServerNotInitialized, "server not initialized")
	case StateShuttingDown:
		if msg.Method == "exit" {
			return nil
		}
		return protocol.NewResponseError(protocol.CodeInvalidRequest, "server is shutting down")
	case StateExited:
		return protocol.NewResponseError(protocol.CodeInvalidRequest, "server has exited")
	default:
		return nil
	}
}

// --- router.Sender ---

// SendResponse enqueues a success response.
func (s *Server) SendResponse(id protocol.RequestToken, result jsonx.Value) {
	frame, err := protocol.EncodeResponse(id, result)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}
	s.enqueue(frame)
}

// SendError enqueues an error response.
func (s *Server) SendError(id protocol.RequestToken, respErr *protocol.ResponseError) {
	frame, err := protocol.EncodeErrorResponse(id, respErr)
	if err != nil {
		s.logger.Error("encode error response", zap.Error(err))
		return
	}
	s.enqueue(frame)
}

// SendNotification enqueues a server-to-client notification.
func (s *Server) SendNotification(method string, params any) {
	frame, err := protocol.EncodeRequest(protocol.RequestToken{}, method, params)
	if err != nil {
		s.logger.Error("encode notification", zap.String("method", method), zap.Error(err))
		return
	}
	s.enqueue(frame)
}

func (s *Server) enqueue(frame []byte) {
	select {
	case s.outgoing <- frame:
	case <-s.exitCh:
	}
}

func (s *Server) sendProgress(token protocol.ProgressToken, value jsonx.Value) {
	s.SendNotification("$/progress", protocol.ProgressParams{Token: token, Value: value})
}

// --- server-to-client requests ---

// Request sends a request to the client and suspends the calling fiber
// until the response arrives. result, when non-nil, receives the decoded
// result member.
func (s *Server) Request(tc *fiber.Context, method string, params, result any) error {
	id := protocol.IntToken(s.nextOutID.Add(1))
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	s.enqueue(frame)

	msg, err := fiber.Await(tc, ch)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error
	}
	if result != nil && len(msg.Result) > 0 {
		return jsonx.Decode(msg.Result, result)
	}
	return nil
}

func (s *Server) resolvePending(msg *protocol.Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown request id", zap.Stringer("id", msg.ID))
		return
	}
	ch <- msg
}

// requestExit records the exit code and stops the server. The first caller
// wins.
func (s *Server) requestExit(code int) {
	s.exitOnce.Do(func() {
		s.exitCode = code
		close(s.exitCh)
	})
}
