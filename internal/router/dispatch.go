package router

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/fiber"
	"github.com/dlang-community/dls/internal/jsonx"
	"github.com/dlang-community/dls/internal/progress"
	"github.com/dlang-community/dls/internal/protocol"
	"github.com/dlang-community/dls/internal/tool"
)

// Sender is the dispatcher's outbound edge, implemented by the server's
// write loop. Sends never block the dispatch goroutine.
type Sender interface {
	SendResponse(id protocol.RequestToken, result jsonx.Value)
	SendError(id protocol.RequestToken, respErr *protocol.ResponseError)
	SendNotification(method string, params any)
}

// Dispatcher routes parsed messages onto scheduler tasks and assembles the
// reply for each request. It must only be used from the dispatch goroutine.
type Dispatcher struct {
	logger   *zap.Logger
	registry *Registry
	sched    *fiber.Scheduler
	tracker  *progress.Tracker
	sender   Sender

	inflight map[protocol.RequestToken]*inflight
}

// inflight is the per-request bookkeeping: the tasks spawned for it, the
// chunks gathered so far, and the first error seen.
type inflight struct {
	token     protocol.RequestToken
	method    string
	startedAt time.Time

	tasks     []*fiber.Task
	pending   int
	cancelled bool
	responded bool

	multi        bool
	streaming    bool
	partialToken protocol.ProgressToken

	chunks    []jsonx.Value // per binding index; arrays for multi
	succeeded int
	firstErr  *protocol.ResponseError
	laterErrs error
}

// NewDispatcher wires the router to its collaborators.
func NewDispatcher(logger *zap.Logger, registry *Registry, sched *fiber.Scheduler, tracker *progress.Tracker, sender Sender) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		sched:    sched,
		tracker:  tracker,
		sender:   sender,
		inflight: make(map[protocol.RequestToken]*inflight),
	}
}

// Registry returns the method table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch routes one incoming message. Requests spawn one task per
// binding; notifications spawn tasks that produce no response.
func (d *Dispatcher) Dispatch(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindRequest:
		d.dispatchRequest(msg)
	case protocol.KindNotification:
		d.dispatchNotification(msg)
	default:
		d.logger.Warn("dropping message with no routable shape")
	}
}

func (d *Dispatcher) dispatchRequest(msg *protocol.Message) {
	bindings := d.registry.Lookup(msg.Method)
	if len(bindings) == 0 {
		d.sender.SendError(msg.ID, protocol.NewResponseError(protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method)))
		return
	}
	if _, exists := d.inflight[msg.ID]; exists {
		d.sender.SendError(msg.ID, protocol.NewResponseError(protocol.CodeInvalidRequest,
			fmt.Sprintf("request id %s already in flight", msg.ID)))
		return
	}

	fl := &inflight{
		token:     msg.ID,
		method:    msg.Method,
		startedAt: time.Now(),
		pending:   len(bindings),
		multi:     bindings[0].Multi,
		chunks:    make([]jsonx.Value, len(bindings)),
	}

	fl.partialToken = peekToken(msg.Params, "partialResultToken")
	fl.streaming = fl.multi && fl.partialToken.IsSet()
	if fl.streaming {
		for i := range bindings {
			d.tracker.RegisterPartial(fl.partialToken, msg.ID, i)
		}
	}
	if workDone := peekToken(msg.Params, "workDoneToken"); workDone.IsSet() {
		token := msg.ID
		d.tracker.AttachWorkDone(workDone, msg.ID, func() { d.CancelRequest(token) })
	}

	d.inflight[msg.ID] = fl

	for i, b := range bindings {
		d.spawnBindingTask(fl, msg, b, i)
	}
}

func (d *Dispatcher) spawnBindingTask(fl *inflight, msg *protocol.Message, b *Binding, index int) {
	params := msg.Params
	var result any

	body := func(tc *fiber.Context) error {
		decoded, perr := decodeParams(b, params)
		if perr != nil {
			return perr
		}
		res, err := b.Handler(tc, decoded)
		if err != nil {
			return err
		}
		result = res
		for _, hook := range b.PostHooks {
			runPostHook(d.logger, b.Method, hook, tc, res, err)
		}
		return nil
	}

	task := d.sched.Spawn(b.Method, body,
		fiber.WithData(msg.ID),
		fiber.WithDeadline(b.Deadline),
		fiber.WithOnDone(func(err error) {
			d.bindingDone(fl, index, result, err)
		}))
	fl.tasks = append(fl.tasks, task)
}

func runPostHook(logger *zap.Logger, method string, hook PostHook, tc *fiber.Context, result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("post-hook panic", zap.String("method", method), zap.Any("panic", r))
		}
	}()
	hook(tc, result, err)
}

// bindingDone runs on the dispatch goroutine once one binding's task ends.
func (d *Dispatcher) bindingDone(fl *inflight, index int, result any, err error) {
	fl.pending--

	if err != nil {
		respErr := d.toResponseError(fl.method, err)
		if fl.firstErr == nil {
			fl.firstErr = respErr
		} else {
			fl.laterErrs = multierr.Append(fl.laterErrs, err)
		}
	} else {
		encoded, encErr := jsonx.EncodeValue(result)
		switch {
		case encErr != nil:
			if fl.firstErr == nil {
				fl.firstErr = protocol.NewResponseError(protocol.CodeInternalError, "encode result: "+encErr.Error())
			}
		case fl.multi && encoded.Kind() != jsonx.Array && encoded.Kind() != jsonx.Null:
			if fl.firstErr == nil {
				fl.firstErr = protocol.NewResponseError(protocol.CodeInternalError,
					"multi binding returned a non-sequence result")
			}
		default:
			fl.chunks[index] = encoded
			fl.succeeded++
			if fl.streaming && encoded.Kind() == jsonx.Array {
				d.tracker.EmitPartial(fl.partialToken, encoded)
			}
		}
	}

	if fl.pending == 0 {
		d.finishRequest(fl)
	}
}

func (d *Dispatcher) finishRequest(fl *inflight) {
	defer func() {
		d.tracker.ReleaseRequest(fl.token)
		delete(d.inflight, fl.token)
	}()

	if fl.laterErrs != nil {
		d.logger.Warn("multi binding errors after first success or failure",
			zap.String("method", fl.method), zap.Error(fl.laterErrs))
	}
	if fl.responded {
		return
	}
	fl.responded = true

	if !fl.multi {
		if fl.firstErr != nil {
			d.sender.SendError(fl.token, fl.firstErr)
			return
		}
		d.sender.SendResponse(fl.token, fl.chunks[0])
		return
	}

	// Multi: the response succeeds with the accumulated chunks when at
	// least one binding succeeded; otherwise the first error wins.
	if fl.succeeded == 0 {
		d.sender.SendError(fl.token, fl.firstErr)
		return
	}
	combined := jsonx.NewArray()
	for _, chunk := range fl.chunks {
		if chunk.Kind() != jsonx.Array {
			continue
		}
		for _, elem := range chunk.Elems() {
			combined.Append(elem)
		}
	}
	d.sender.SendResponse(fl.token, combined)
}

func (d *Dispatcher) dispatchNotification(msg *protocol.Message) {
	bindings := d.registry.Lookup(msg.Method)
	if len(bindings) == 0 {
		d.logger.Debug("no binding for notification", zap.String("method", msg.Method))
		return
	}
	for _, b := range bindings {
		b := b
		params := msg.Params
		d.sched.Spawn(b.Method, func(tc *fiber.Context) error {
			decoded, perr := decodeParams(b, params)
			if perr != nil {
				return perr
			}
			res, err := b.Handler(tc, decoded)
			if err != nil {
				return err
			}
			for _, hook := range b.PostHooks {
				runPostHook(d.logger, b.Method, hook, tc, res, err)
			}
			return nil
		}, fiber.WithOnDone(func(err error) {
			if err != nil && !errors.Is(err, fiber.ErrCancelled) {
				d.logger.Warn("notification handler failed",
					zap.String("method", b.Method), zap.Error(err))
			}
		}))
	}
}

// CancelRequest handles $/cancelRequest: the in-flight request's tasks are
// flagged and its partial tokens muted. Unknown or completed ids are a
// no-op.
func (d *Dispatcher) CancelRequest(id protocol.RequestToken) {
	fl, ok := d.inflight[id]
	if !ok {
		return
	}
	fl.cancelled = true
	for _, task := range fl.tasks {
		d.sched.CancelTask(task)
	}
	d.tracker.CancelByRequest(id)
}

// DrainPending fails every request still in flight with the given error
// and cancels its tasks, except the listed ids (typically the shutdown
// request doing the draining). Used at shutdown.
func (d *Dispatcher) DrainPending(code protocol.ErrorCode, message string, except ...protocol.RequestToken) {
	skip := make(map[protocol.RequestToken]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for id, fl := range d.inflight {
		if skip[id] {
			continue
		}
		if !fl.responded {
			fl.responded = true
			d.sender.SendError(id, protocol.NewResponseError(code, message))
		}
		for _, task := range fl.tasks {
			d.sched.CancelTask(task)
		}
		d.tracker.CancelByRequest(id)
	}
}

// InFlightCount reports the number of unanswered requests.
func (d *Dispatcher) InFlightCount() int { return len(d.inflight) }

// toResponseError maps a task error onto the wire taxonomy.
func (d *Dispatcher) toResponseError(method string, err error) *protocol.ResponseError {
	var methodErr *protocol.MethodError
	var respErr *protocol.ResponseError
	var panicErr *fiber.PanicError
	var paramsErr *paramsError
	var toolErr *tool.Failure

	switch {
	case errors.Is(err, fiber.ErrCancelled):
		return protocol.NewResponseError(protocol.CodeRequestCancelled, "request cancelled")
	case errors.As(err, &toolErr):
		data := jsonx.NewObject()
		data.Set("tool", jsonx.NewString(toolErr.Tool))
		data.Set("stderr", jsonx.NewString(toolErr.Stderr))
		return &protocol.ResponseError{
			Code:    protocol.CodeInternalError,
			Message: toolErr.Error(),
			Data:    data,
		}
	case errors.As(err, &methodErr):
		return methodErr.Resp
	case errors.As(err, &respErr):
		return respErr
	case errors.As(err, &paramsErr):
		return protocol.NewResponseError(protocol.CodeInvalidParams, paramsErr.Error())
	case errors.As(err, &panicErr):
		d.logger.Error("handler panic",
			zap.String("method", method),
			zap.Any("panic", panicErr.Value),
			zap.ByteString("stack", panicErr.Stack))
		return protocol.NewResponseError(protocol.CodeInternalError, "internal error")
	default:
		return protocol.NewResponseError(protocol.CodeInternalError, err.Error())
	}
}

// paramsError marks a parameter decode failure, converted to InvalidParams.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

// decodeParams materializes the lazy params slice into the binding's
// declared type. Positional params (a JSON array) are accepted only for
// the single declared argument; absent params decode to the zero value.
func decodeParams(b *Binding, raw []byte) (any, error) {
	paramType := b.ParamType
	if paramType == nil {
		paramType = reflect.TypeOf(struct{}{})
	}
	target := reflect.New(paramType)

	if len(raw) == 0 {
		return target.Interface(), nil
	}

	parsed, err := jsonx.Parse(raw)
	if err != nil {
		return nil, &paramsError{err: err}
	}
	if parsed.Kind() == jsonx.Array {
		if parsed.Len() != 1 {
			return nil, &paramsError{err: fmt.Errorf("positional params carry %d values for 1 argument", parsed.Len())}
		}
		parsed = parsed.Index(0)
	}
	if err := jsonx.DecodeValue(parsed, target.Interface()); err != nil {
		return nil, &paramsError{err: err}
	}
	return target.Interface(), nil
}

// peekToken extracts a progress token from raw params without a full
// decode.
func peekToken(raw []byte, key string) protocol.ProgressToken {
	if len(raw) == 0 {
		return protocol.ProgressToken{}
	}
	res := gjson.GetBytes(raw, key)
	switch res.Type {
	case gjson.Number:
		return protocol.IntProgressToken(res.Int())
	case gjson.String:
		return protocol.StringProgressToken(res.String())
	default:
		return protocol.ProgressToken{}
	}
}
