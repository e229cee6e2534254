package progress

import (
	"testing"

	"github.com/dlang-community/dls/internal/jsonx"
	"github.com/dlang-community/dls/internal/protocol"
)

type emitted struct {
	token protocol.ProgressToken
	value jsonx.Value
}

func newTestTracker() (*Tracker, *[]emitted) {
	var out []emitted
	tr := NewTracker(nil, func(token protocol.ProgressToken, value jsonx.Value) {
		out = append(out, emitted{token, value})
	})
	return tr, &out
}

func TestTracker_PartialEmission(t *testing.T) {
	tr, out := newTestTracker()
	token := protocol.StringProgressToken("t")
	tr.RegisterPartial(token, protocol.IntToken(1), 0)

	tr.EmitPartial(token, jsonx.NewString("chunk"))
	if len(*out) != 1 {
		t.Fatalf("emitted %d notifications, want 1", len(*out))
	}
	if (*out)[0].token != token {
		t.Errorf("token = %v", (*out)[0].token)
	}
}

func TestTracker_UnknownTokenDropped(t *testing.T) {
	tr, out := newTestTracker()
	tr.EmitPartial(protocol.StringProgressToken("ghost"), jsonx.NewString("x"))
	if len(*out) != 0 {
		t.Errorf("emitted %d notifications for unknown token", len(*out))
	}
}

func TestTracker_CancelTerminality(t *testing.T) {
	tr, out := newTestTracker()
	token := protocol.StringProgressToken("t")
	request := protocol.IntToken(7)
	tr.RegisterPartial(token, request, 0)

	tr.EmitPartial(token, jsonx.NewString("before"))
	tr.CancelByRequest(request)
	tr.EmitPartial(token, jsonx.NewString("after"))

	if len(*out) != 1 {
		t.Fatalf("emitted %d notifications, want only the pre-cancel one", len(*out))
	}
}

func TestTracker_ReleaseRequestScopedTokens(t *testing.T) {
	tr, out := newTestTracker()
	request := protocol.IntToken(3)
	partial := protocol.StringProgressToken("p")
	workDone := protocol.IntProgressToken(9)

	tr.RegisterPartial(partial, request, 0)
	tr.AttachWorkDone(workDone, request, nil)
	tr.ReleaseRequest(request)

	tr.EmitPartial(partial, jsonx.NewString("late"))
	tr.EmitWorkDone(workDone, protocol.WorkDoneProgressEnd{Kind: "end"})
	if len(*out) != 0 {
		t.Errorf("released tokens still emitted %d notifications", len(*out))
	}
}

func TestTracker_PersistentTokenSurvivesRequest(t *testing.T) {
	tr, out := newTestTracker()
	token := protocol.StringProgressToken("long-lived")
	if err := tr.CreateWorkDone(token, nil); err != nil {
		t.Fatalf("CreateWorkDone() error = %v", err)
	}
	if err := tr.CreateWorkDone(token, nil); err == nil {
		t.Error("duplicate CreateWorkDone() succeeded")
	}

	tr.ReleaseRequest(protocol.IntToken(1))
	tr.EmitWorkDone(token, protocol.WorkDoneProgressBegin{Kind: "begin", Title: "index"})
	if len(*out) != 1 {
		t.Errorf("persistent token emitted %d notifications, want 1", len(*out))
	}
}

func TestTracker_WorkDoneCancelFiresCallback(t *testing.T) {
	tr, _ := newTestTracker()
	token := protocol.IntProgressToken(5)
	fired := false
	tr.AttachWorkDone(token, protocol.IntToken(2), func() { fired = true })

	tr.CancelWorkDone(token)
	if !fired {
		t.Error("cancel callback not fired")
	}
	// Cancelling again or cancelling unknown tokens is a no-op.
	tr.CancelWorkDone(token)
	tr.CancelWorkDone(protocol.IntProgressToken(999))
}
