package document

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/dlang-community/dls/internal/protocol"
)

func openDoc(t *testing.T, m *Manager, uri, text string, version int) {
	t.Helper()
	err := m.Open(protocol.TextDocumentItem{
		URI:        protocol.DocumentURI(uri),
		LanguageID: "d",
		Version:    version,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
}

func change(uri string, version int, changes ...protocol.TextDocumentContentChangeEvent) (protocol.VersionedTextDocumentIdentifier, []protocol.TextDocumentContentChangeEvent) {
	id := protocol.VersionedTextDocumentIdentifier{
		TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(uri)},
		Version:                version,
	}
	return id, changes
}

func rangeAt(sl, sc, el, ec int) *protocol.Range {
	return &protocol.Range{
		Start: protocol.Position{Line: sl, Character: sc},
		End:   protocol.Position{Line: el, Character: ec},
	}
}

func TestManager_OpenCloseLifecycle(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "int x;", 1)

	if err := m.Open(protocol.TextDocumentItem{URI: "file:///a.d"}); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpen", err)
	}

	if _, ok := m.Snapshot("file:///a.d"); !ok {
		t.Error("Snapshot() not found after open")
	}
	if err := m.Close(protocol.TextDocumentIdentifier{URI: "file:///a.d"}); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := m.Snapshot("file:///a.d"); ok {
		t.Error("Snapshot() found after close")
	}
	if err := m.Close(protocol.TextDocumentIdentifier{URI: "file:///a.d"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Close() twice error = %v, want ErrNotOpen", err)
	}
}

func TestManager_IncrementalEdit(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "hello\nworld", 1)

	id, changes := change("file:///a.d", 2, protocol.TextDocumentContentChangeEvent{
		Range: rangeAt(0, 5, 0, 5),
		Text:  "!",
	})
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}

	snap, _ := m.Snapshot("file:///a.d")
	if snap.Text() != "hello!\nworld" {
		t.Errorf("Text() = %q, want %q", snap.Text(), "hello!\nworld")
	}
	if pos := snap.PositionOf(7); pos != (protocol.Position{Line: 1, Character: 0}) {
		t.Errorf("PositionOf(7) = %+v, want {1, 0}", pos)
	}
}

func TestManager_BatchChangesApplyInOrder(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "abc", 1)

	// Positions refer to the state after the preceding change in the batch.
	id, changes := change("file:///a.d", 2,
		protocol.TextDocumentContentChangeEvent{Range: rangeAt(0, 0, 0, 0), Text: "x"}, // xabc
		protocol.TextDocumentContentChangeEvent{Range: rangeAt(0, 2, 0, 3), Text: ""},  // xac
		protocol.TextDocumentContentChangeEvent{Range: rangeAt(0, 3, 0, 3), Text: "!"}, // xac!
	)
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}
	snap, _ := m.Snapshot("file:///a.d")
	if snap.Text() != "xac!" {
		t.Errorf("Text() = %q, want %q", snap.Text(), "xac!")
	}
}

func TestManager_FullChangeReplacesText(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "old", 1)

	id, changes := change("file:///a.d", 2, protocol.TextDocumentContentChangeEvent{Text: "entirely new"})
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}
	snap, _ := m.Snapshot("file:///a.d")
	if snap.Text() != "entirely new" {
		t.Errorf("Text() = %q", snap.Text())
	}
}

func TestManager_StaleChangeDropped(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "v3 text", 3)

	id, changes := change("file:///a.d", 3, protocol.TextDocumentContentChangeEvent{Text: "rewrite"})
	if err := m.Change(id, changes); !errors.Is(err, ErrStaleChange) {
		t.Fatalf("Change() error = %v, want ErrStaleChange", err)
	}

	snap, _ := m.Snapshot("file:///a.d")
	if snap.Text() != "v3 text" {
		t.Errorf("stale change mutated the document: %q", snap.Text())
	}
	if snap.Version() != 3 {
		t.Errorf("Version() = %d, want 3", snap.Version())
	}
}

func TestManager_VersionMonotonic(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "", 1)

	prev := 1
	for _, v := range []int{5, 2, 9, 9, 10} {
		id, changes := change("file:///a.d", v, protocol.TextDocumentContentChangeEvent{Text: "t"})
		_ = m.Change(id, changes)
		snap, _ := m.Snapshot("file:///a.d")
		if snap.Version() < prev {
			t.Fatalf("version went backwards: %d -> %d", prev, snap.Version())
		}
		prev = snap.Version()
	}
	if prev != 10 {
		t.Errorf("final Version() = %d, want 10", prev)
	}
}

func TestSnapshot_SurvivesLaterEdits(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///a.d", "before", 1)

	snap, _ := m.Snapshot("file:///a.d")

	id, changes := change("file:///a.d", 2, protocol.TextDocumentContentChangeEvent{
		Range: rangeAt(0, 0, 0, 6),
		Text:  "after",
	})
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}

	if snap.Text() != "before" {
		t.Errorf("old snapshot text = %q, want %q", snap.Text(), "before")
	}
	fresh, _ := m.Snapshot("file:///a.d")
	if fresh.Text() != "after" {
		t.Errorf("new snapshot text = %q, want %q", fresh.Text(), "after")
	}
}

func TestSnapshot_UTF16Positions(t *testing.T) {
	m := NewManager(nil)
	// "aé😀b" — 'a' 1 byte/1 unit, 'é' 2 bytes/1 unit, '😀' 4 bytes/2 units.
	openDoc(t, m, "file:///u.d", "aé😀b\nx", 1)
	snap, _ := m.Snapshot("file:///u.d")

	tests := []struct {
		pos    protocol.Position
		offset int
	}{
		{protocol.Position{Line: 0, Character: 0}, 0},
		{protocol.Position{Line: 0, Character: 1}, 1},
		{protocol.Position{Line: 0, Character: 2}, 3},
		{protocol.Position{Line: 0, Character: 4}, 7}, // after the emoji's two units
		{protocol.Position{Line: 0, Character: 5}, 8},
		{protocol.Position{Line: 1, Character: 0}, 9},
		{protocol.Position{Line: 1, Character: 1}, 10},
	}
	for _, tt := range tests {
		if got := snap.OffsetOf(tt.pos); got != tt.offset {
			t.Errorf("OffsetOf(%+v) = %d, want %d", tt.pos, got, tt.offset)
		}
		if got := snap.PositionOf(tt.offset); got != tt.pos {
			t.Errorf("PositionOf(%d) = %+v, want %+v", tt.offset, got, tt.pos)
		}
	}
}

func TestSnapshot_PositionRoundTripOnBoundaries(t *testing.T) {
	m := NewManager(nil)
	text := "héllo\nwörld 😀\nplain"
	openDoc(t, m, "file:///r.d", text, 1)
	snap, _ := m.Snapshot("file:///r.d")

	// Every byte offset on a UTF-16 code unit boundary must round trip.
	for offset := 0; offset <= len(text); {
		pos := snap.PositionOf(offset)
		if got := snap.OffsetOf(pos); got != offset {
			t.Errorf("OffsetOf(PositionOf(%d)) = %d", offset, got)
		}
		if offset == len(text) {
			break
		}
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
	}
}

func TestSnapshot_Clamping(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///c.d", "short\nlonger line", 1)
	snap, _ := m.Snapshot("file:///c.d")

	// Past end-of-line clamps to end-of-line.
	if got := snap.OffsetOf(protocol.Position{Line: 0, Character: 99}); got != 5 {
		t.Errorf("OffsetOf(line 0, char 99) = %d, want 5", got)
	}
	// Past end-of-document clamps to document end.
	if got := snap.OffsetOf(protocol.Position{Line: 42, Character: 0}); got != snap.Len() {
		t.Errorf("OffsetOf(line 42) = %d, want %d", got, snap.Len())
	}
	// Offsets beyond the text clamp to the end position.
	last := snap.PositionOf(9999)
	if got := snap.OffsetOf(last); got != snap.Len() {
		t.Errorf("round trip of clamped offset = %d, want %d", got, snap.Len())
	}
}

func TestEolDetectionAndPreservation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want EolKind
	}{
		{"lf", "a\nb", EolLF},
		{"crlf", "a\r\nb", EolCRLF},
		{"cr", "a\rb", EolCR},
		{"empty", "", EolLF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			openDoc(t, m, "file:///e.d", tt.text, 1)
			snap, _ := m.Snapshot("file:///e.d")
			if snap.Eol() != tt.want {
				t.Errorf("Eol() = %v, want %v", snap.Eol(), tt.want)
			}
		})
	}
}

func TestManager_NormalizesInsertedLineEndings(t *testing.T) {
	m := NewManager(nil)
	m.SetNormalizeEol(true)
	openDoc(t, m, "file:///n.d", "a\r\nb", 1)

	id, changes := change("file:///n.d", 2, protocol.TextDocumentContentChangeEvent{
		Range: rangeAt(1, 1, 1, 1),
		Text:  "\nc\rd",
	})
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}
	snap, _ := m.Snapshot("file:///n.d")
	if snap.Text() != "a\r\nb\r\nc\r\nd" {
		t.Errorf("Text() = %q, want normalized CRLF", snap.Text())
	}
}

func TestManager_VerbatimInsertWithoutNormalization(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///n.d", "a\r\nb", 1)

	id, changes := change("file:///n.d", 2, protocol.TextDocumentContentChangeEvent{
		Range: rangeAt(1, 1, 1, 1),
		Text:  "\nc",
	})
	if err := m.Change(id, changes); err != nil {
		t.Fatalf("Change() error = %v", err)
	}
	snap, _ := m.Snapshot("file:///n.d")
	if snap.Text() != "a\r\nb\nc" {
		t.Errorf("Text() = %q, want verbatim insert", snap.Text())
	}
}

func TestSnapshot_LineText(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///l.d", "one\r\ntwo\r\nthree", 1)
	snap, _ := m.Snapshot("file:///l.d")

	want := []string{"one", "two", "three"}
	if snap.LineCount() != 3 {
		t.Fatalf("LineCount() = %d", snap.LineCount())
	}
	for i, w := range want {
		if got := snap.LineText(i); got != w {
			t.Errorf("LineText(%d) = %q, want %q", i, got, w)
		}
	}
}

func TestManager_SaveWithText(t *testing.T) {
	m := NewManager(nil)
	openDoc(t, m, "file:///s.d", "drifted", 1)
	full := "authoritative"
	if err := m.Save(protocol.TextDocumentIdentifier{URI: "file:///s.d"}, &full); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	snap, _ := m.Snapshot("file:///s.d")
	if snap.Text() != full {
		t.Errorf("Text() = %q", snap.Text())
	}
}
