package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dlang-community/dls/internal/fiber"
	"github.com/dlang-community/dls/internal/jsonx"
	"github.com/dlang-community/dls/internal/progress"
	"github.com/dlang-community/dls/internal/protocol"
	"github.com/dlang-community/dls/internal/tool"
)

// fakeSender records everything the dispatcher emits.
type fakeSender struct {
	mu            sync.Mutex
	responses     []sentResponse
	errors        []sentError
	notifications []sentNotification
}

type sentResponse struct {
	id     protocol.RequestToken
	result jsonx.Value
}

type sentError struct {
	id  protocol.RequestToken
	err *protocol.ResponseError
}

type sentNotification struct {
	method string
	params any
}

func (s *fakeSender) SendResponse(id protocol.RequestToken, result jsonx.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, sentResponse{id, result})
}

func (s *fakeSender) SendError(id protocol.RequestToken, respErr *protocol.ResponseError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, sentError{id, respErr})
}

func (s *fakeSender) SendNotification(method string, params any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, sentNotification{method, params})
}

func (s *fakeSender) waitResponses(t *testing.T, n int) []sentResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.responses) >= n {
			out := append([]sentResponse(nil), s.responses...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses", n)
	return nil
}

func (s *fakeSender) waitErrors(t *testing.T, n int) []sentError {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.errors) >= n {
			out := append([]sentError(nil), s.errors...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d errors", n)
	return nil
}

type testRig struct {
	sched  *fiber.Scheduler
	disp   *Dispatcher
	sender *fakeSender
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	sched := fiber.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sched.Run(ctx) }()

	sender := &fakeSender{}
	tracker := progress.NewTracker(nil, func(token protocol.ProgressToken, value jsonx.Value) {
		params := jsonx.NewObject()
		params.Set("token", token.MarshalJSONValue())
		params.Set("value", value)
		sender.SendNotification("$/progress", params)
	})
	disp := NewDispatcher(nil, NewRegistry(), sched, tracker, sender)
	return &testRig{sched: sched, disp: disp, sender: sender}
}

func (r *testRig) dispatch(t *testing.T, raw string) {
	t.Helper()
	msg, err := protocol.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage(%q) error = %v", raw, err)
	}
	r.sched.Post(func() { r.disp.Dispatch(msg) })
}

type echoParams struct {
	Text string `json:"text"`
}

func TestDispatch_RequestResponse(t *testing.T) {
	rig := newTestRig(t)

	b := NewBinding("test/echo", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return map[string]string{"echo": p.Text}, nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":1,"method":"test/echo","params":{"text":"hi"}}`)

	responses := rig.sender.waitResponses(t, 1)
	if responses[0].id != protocol.IntToken(1) {
		t.Errorf("response id = %v", responses[0].id)
	}
	if got := responses[0].result.String(); got != `{"echo":"hi"}` {
		t.Errorf("result = %s", got)
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	rig := newTestRig(t)
	rig.dispatch(t, `{"jsonrpc":"2.0","id":2,"method":"no/such"}`)

	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeMethodNotFound {
		t.Errorf("code = %d, want MethodNotFound", errs[0].err.Code)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/echo", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return nil, nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":3,"method":"test/echo","params":{"text":42}}`)
	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want InvalidParams", errs[0].err.Code)
	}
}

func TestDispatch_PositionalParams(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/echo", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return p.Text, nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":4,"method":"test/echo","params":[{"text":"pos"}]}`)
	responses := rig.sender.waitResponses(t, 1)
	if got := responses[0].result.String(); got != `"pos"` {
		t.Errorf("result = %s", got)
	}

	// Two positional values for one argument is invalid.
	rig.dispatch(t, `{"jsonrpc":"2.0","id":5,"method":"test/echo","params":[{"text":"a"},{"text":"b"}]}`)
	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want InvalidParams", errs[0].err.Code)
	}
}

func TestDispatch_AbsentParamsZeroValue(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/zero", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return p.Text == "", nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":6,"method":"test/zero"}`)
	responses := rig.sender.waitResponses(t, 1)
	if responses[0].result.String() != "true" {
		t.Errorf("result = %s, want true", responses[0].result.String())
	}
}

func TestRegistry_DuplicateBinding(t *testing.T) {
	reg := NewRegistry()
	plain := NewBinding("m", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) { return nil, nil })
	if err := reg.Register(plain); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(plain); err == nil {
		t.Error("second non-multi binding accepted")
	}

	multi := NewMultiBinding("mm", KindRequest, func(tc *fiber.Context, p *echoParams) ([]string, error) { return nil, nil })
	if err := reg.Register(multi); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(multi); err != nil {
		t.Errorf("second multi binding rejected: %v", err)
	}
	nonMulti := multi
	nonMulti.Multi = false
	if err := reg.Register(nonMulti); err == nil {
		t.Error("non-multi binding over multi bindings accepted")
	}
}

func TestRegistry_MultiBindingElementTypes(t *testing.T) {
	reg := NewRegistry()
	strBinding := NewMultiBinding("workspace/symbol", KindRequest,
		func(tc *fiber.Context, p *echoParams) ([]string, error) { return nil, nil })
	intBinding := NewMultiBinding("workspace/symbol", KindRequest,
		func(tc *fiber.Context, p *echoParams) ([]int, error) { return nil, nil })

	if err := reg.Register(strBinding); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(intBinding); err == nil {
		t.Error("incompatible element types accepted for one method")
	}
	if err := reg.Register(strBinding); err != nil {
		t.Errorf("compatible element types rejected: %v", err)
	}

	bare := strBinding
	bare.ResultElem = nil
	bare.Method = "other/method"
	if err := reg.Register(bare); err == nil {
		t.Error("multi binding without a declared element type accepted")
	}
}

func multiBinding(method string, items ...string) Binding {
	return NewMultiBinding(method, KindRequest, func(tc *fiber.Context, p *protocol.WorkspaceSymbolParams) ([]string, error) {
		return items, nil
	})
}

func TestDispatch_MultiBindingConcatenation(t *testing.T) {
	rig := newTestRig(t)
	reg := rig.disp.Registry()
	if err := reg.Register(multiBinding("workspace/symbol", "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(multiBinding("workspace/symbol", "c")); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":7,"method":"workspace/symbol","params":{"query":""}}`)
	responses := rig.sender.waitResponses(t, 1)
	if got := responses[0].result.String(); got != `["a","b","c"]` {
		t.Errorf("result = %s, want [\"a\",\"b\",\"c\"]", got)
	}
}

func TestDispatch_MultiBindingStreaming(t *testing.T) {
	rig := newTestRig(t)
	reg := rig.disp.Registry()
	if err := reg.Register(multiBinding("workspace/symbol", "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(multiBinding("workspace/symbol", "c")); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":8,"method":"workspace/symbol","params":{"query":"","partialResultToken":"t"}}`)
	responses := rig.sender.waitResponses(t, 1)

	rig.sender.mu.Lock()
	notes := append([]sentNotification(nil), rig.sender.notifications...)
	rig.sender.mu.Unlock()

	if len(notes) != 2 {
		t.Fatalf("got %d progress notifications, want 2", len(notes))
	}
	for i, want := range []string{`["a","b"]`, `["c"]`} {
		params := notes[i].params.(jsonx.Value)
		if params.Get("token").Str() != "t" {
			t.Errorf("notification %d token = %s", i, params.Get("token").String())
		}
		if got := params.Get("value").String(); got != want {
			t.Errorf("chunk %d = %s, want %s", i, got, want)
		}
	}
	if got := responses[0].result.String(); got != `["a","b","c"]` {
		t.Errorf("final result = %s", got)
	}
}

func TestDispatch_MultiBindingFirstErrorWins(t *testing.T) {
	rig := newTestRig(t)
	reg := rig.disp.Registry()

	failing := NewMultiBinding("workspace/symbol", KindRequest, func(tc *fiber.Context, p *protocol.WorkspaceSymbolParams) ([]string, error) {
		return nil, protocol.NewMethodError(protocol.CodeInternalError, "first failure")
	})
	alsoFailing := NewMultiBinding("workspace/symbol", KindRequest, func(tc *fiber.Context, p *protocol.WorkspaceSymbolParams) ([]string, error) {
		return nil, protocol.NewMethodError(protocol.CodeInternalError, "second failure")
	})
	if err := reg.Register(failing); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(alsoFailing); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":9,"method":"workspace/symbol","params":{"query":""}}`)
	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Message != "first failure" {
		t.Errorf("error = %q, want the first binding's failure", errs[0].err.Message)
	}
}

func TestDispatch_MultiBindingPartialSuccess(t *testing.T) {
	rig := newTestRig(t)
	reg := rig.disp.Registry()

	ok := multiBinding("workspace/symbol", "a")
	failing := NewMultiBinding("workspace/symbol", KindRequest, func(tc *fiber.Context, p *protocol.WorkspaceSymbolParams) ([]string, error) {
		return nil, fmt.Errorf("backend unavailable")
	})
	if err := reg.Register(ok); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(failing); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":10,"method":"workspace/symbol","params":{"query":""}}`)
	responses := rig.sender.waitResponses(t, 1)
	if got := responses[0].result.String(); got != `["a"]` {
		t.Errorf("result = %s, want the successful chunk", got)
	}
}

func TestDispatch_CancelRequest(t *testing.T) {
	rig := newTestRig(t)
	started := make(chan struct{})
	b := NewBinding("test/slow", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		close(started)
		if err := tc.Sleep(10 * time.Second); err != nil {
			return nil, err
		}
		return "done", nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":7,"method":"test/slow"}`)
	<-started
	rig.sched.Post(func() { rig.disp.CancelRequest(protocol.IntToken(7)) })

	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeRequestCancelled {
		t.Errorf("code = %d, want RequestCancelled (-32800)", errs[0].err.Code)
	}
}

func TestDispatch_CancelUnknownIsNoop(t *testing.T) {
	rig := newTestRig(t)
	done := make(chan struct{})
	rig.sched.Post(func() {
		rig.disp.CancelRequest(protocol.IntToken(999))
		close(done)
	})
	<-done
	if n := rig.disp.InFlightCount(); n != 0 {
		t.Errorf("InFlightCount() = %d", n)
	}
}

func TestDispatch_CancelStopsProgress(t *testing.T) {
	rig := newTestRig(t)
	reg := rig.disp.Registry()

	release := make(chan struct{})
	b := NewMultiBinding("test/stream", KindRequest, func(tc *fiber.Context, p *protocol.WorkspaceSymbolParams) ([]string, error) {
		if _, err := fiber.Await(tc, release); err != nil {
			return nil, err
		}
		return []string{"late"}, nil
	})
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":11,"method":"test/stream","params":{"partialResultToken":"p"}}`)
	time.Sleep(20 * time.Millisecond)
	rig.sched.Post(func() { rig.disp.CancelRequest(protocol.IntToken(11)) })

	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeRequestCancelled {
		t.Fatalf("code = %d", errs[0].err.Code)
	}

	rig.sender.mu.Lock()
	n := len(rig.sender.notifications)
	rig.sender.mu.Unlock()
	if n != 0 {
		t.Errorf("progress notifications after cancel = %d, want 0", n)
	}
}

func TestDispatch_NotificationNeverResponds(t *testing.T) {
	rig := newTestRig(t)
	ran := make(chan struct{})
	b := NewBinding("test/note", KindNotification, func(tc *fiber.Context, p *echoParams) (any, error) {
		close(ran)
		return nil, fmt.Errorf("handler failed")
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","method":"test/note","params":{"text":"x"}}`)
	<-ran
	time.Sleep(20 * time.Millisecond)

	rig.sender.mu.Lock()
	defer rig.sender.mu.Unlock()
	if len(rig.sender.responses) != 0 || len(rig.sender.errors) != 0 {
		t.Error("notification produced a response")
	}
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/bomb", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		panic("logic bug")
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":12,"method":"test/bomb"}`)
	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeInternalError {
		t.Errorf("code = %d, want InternalError", errs[0].err.Code)
	}
}

func TestDispatch_PostHookFailureDoesNotAlterResponse(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/hooked", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return "ok", nil
	})
	b.PostHooks = []PostHook{func(tc *fiber.Context, result any, err error) {
		panic("hook bug")
	}}
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":13,"method":"test/hooked"}`)
	responses := rig.sender.waitResponses(t, 1)
	if responses[0].result.String() != `"ok"` {
		t.Errorf("result = %s", responses[0].result.String())
	}
}

func TestDispatch_ToolFailureCarriesStderr(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/tool", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		return nil, &tool.Failure{Tool: "dcd-server", Err: fmt.Errorf("crashed"), Stderr: "segfault at 0x0"}
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	rig.dispatch(t, `{"jsonrpc":"2.0","id":14,"method":"test/tool"}`)
	errs := rig.sender.waitErrors(t, 1)
	if errs[0].err.Code != protocol.CodeInternalError {
		t.Fatalf("code = %d, want InternalError", errs[0].err.Code)
	}
	if got := errs[0].err.Data.Get("tool").Str(); got != "dcd-server" {
		t.Errorf("data.tool = %q", got)
	}
	if got := errs[0].err.Data.Get("stderr").Str(); got != "segfault at 0x0" {
		t.Errorf("data.stderr = %q", got)
	}
}

func TestDispatch_ResponsePairing(t *testing.T) {
	rig := newTestRig(t)
	b := NewBinding("test/echo", KindRequest, func(tc *fiber.Context, p *echoParams) (any, error) {
		if err := tc.Yield(); err != nil {
			return nil, err
		}
		return p.Text, nil
	})
	if err := rig.disp.Registry().Register(b); err != nil {
		t.Fatal(err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		rig.dispatch(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"test/echo","params":{"text":"m"}}`, i))
	}
	// Cancel a few mid-flight.
	rig.sched.Post(func() {
		rig.disp.CancelRequest(protocol.IntToken(3))
		rig.disp.CancelRequest(protocol.IntToken(15))
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rig.sender.mu.Lock()
		total := len(rig.sender.responses) + len(rig.sender.errors)
		rig.sender.mu.Unlock()
		if total == n {
			break
		}
		time.Sleep(time.Millisecond)
	}

	rig.sender.mu.Lock()
	defer rig.sender.mu.Unlock()
	seen := make(map[protocol.RequestToken]int)
	for _, r := range rig.sender.responses {
		seen[r.id]++
	}
	for _, e := range rig.sender.errors {
		seen[e.id]++
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct response ids, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %v answered %d times", id, count)
		}
	}
}
