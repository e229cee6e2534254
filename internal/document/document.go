// Package document owns the authoritative text of every open file. It
// applies full and incremental change events, keeps a line index consistent
// with the text, and exposes immutable snapshots with UTF-16 aware position
// conversion.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/protocol"
)

// Errors returned by the manager.
var (
	// ErrNotOpen indicates the document is not open.
	ErrNotOpen = errors.New("document not open")

	// ErrAlreadyOpen indicates the document is already open.
	ErrAlreadyOpen = errors.New("document already open")

	// ErrStaleChange indicates a change whose version is not newer than the
	// stored document. The change is dropped.
	ErrStaleChange = errors.New("stale document change")
)

// EolKind is a document's newline style.
type EolKind int

const (
	// EolLF is "\n".
	EolLF EolKind = iota
	// EolCRLF is "\r\n".
	EolCRLF
	// EolCR is "\r".
	EolCR
)

// Bytes returns the newline byte sequence.
func (e EolKind) Bytes() []byte {
	switch e {
	case EolCRLF:
		return []byte("\r\n")
	case EolCR:
		return []byte("\r")
	default:
		return []byte("\n")
	}
}

// String returns the conventional name of the style.
func (e EolKind) String() string {
	switch e {
	case EolCRLF:
		return "crlf"
	case EolCR:
		return "cr"
	default:
		return "lf"
	}
}

// detectEol picks the document's newline style from its first line break.
func detectEol(text []byte) EolKind {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			return EolLF
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				return EolCRLF
			}
			return EolCR
		}
	}
	return EolLF
}

// document is the manager-owned live state for one URI. The text buffer is
// never mutated in place: every change publishes a fresh buffer and line
// index, so snapshots taken earlier stay valid.
type document struct {
	uri        protocol.DocumentURI
	languageID string
	version    int
	text       []byte
	lines      []int // byte offsets of line starts; lines[0] == 0
	eol        EolKind
}

// buildLineIndex computes the byte offsets of line starts. A line starts at
// offset 0 and after every "\r\n", lone "\n", or lone "\r".
func buildLineIndex(text []byte) []int {
	lines := []int{0}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			lines = append(lines, i+1)
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			lines = append(lines, i+1)
		}
	}
	return lines
}

// Manager tracks open documents. Mutations happen between suspension points
// on the dispatch goroutine; snapshots may be read from any fiber.
type Manager struct {
	logger *zap.Logger

	// normalizeEol rewrites line breaks in inserted text to the document's
	// style. Agreed at initialize.
	normalizeEol bool

	mu   sync.RWMutex
	docs map[protocol.DocumentURI]*document
}

// NewManager creates an empty document manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		docs:   make(map[protocol.DocumentURI]*document),
	}
}

// SetNormalizeEol enables line-ending normalization for inserted text.
func (m *Manager) SetNormalizeEol(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normalizeEol = on
}

// Open registers a document from a didOpen notification.
func (m *Manager) Open(item protocol.TextDocumentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[item.URI]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, item.URI)
	}
	text := []byte(item.Text)
	m.docs[item.URI] = &document{
		uri:        item.URI,
		languageID: item.LanguageID,
		version:    item.Version,
		text:       text,
		lines:      buildLineIndex(text),
		eol:        detectEol(text),
	}
	return nil
}

// Change applies a didChange batch. The new version must be strictly
// greater than the stored one; stale batches are dropped with a warning and
// ErrStaleChange.
func (m *Manager) Change(id protocol.VersionedTextDocumentIdentifier, changes []protocol.TextDocumentContentChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id.URI]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id.URI)
	}
	if id.Version <= doc.version {
		m.logger.Warn("dropping stale document change",
			zap.String("uri", string(id.URI)),
			zap.Int("stored", doc.version),
			zap.Int("received", id.Version))
		return ErrStaleChange
	}

	text := doc.text
	lines := doc.lines
	for _, change := range changes {
		inserted := []byte(change.Text)
		if m.normalizeEol {
			inserted = normalizeLineEndings(inserted, doc.eol)
		}
		if change.Range == nil {
			text = inserted
		} else {
			start := offsetOf(text, lines, change.Range.Start)
			end := offsetOf(text, lines, change.Range.End)
			if end < start {
				start, end = end, start
			}
			// Splice into a fresh buffer; earlier snapshots keep theirs.
			next := make([]byte, 0, len(text)-(end-start)+len(inserted))
			next = append(next, text[:start]...)
			next = append(next, inserted...)
			next = append(next, text[end:]...)
			text = next
		}
		lines = buildLineIndex(text)
	}

	doc.text = text
	doc.lines = lines
	doc.version = id.Version
	return nil
}

// Save records a didSave notification. When the client includes the full
// text it replaces the buffer, which heals any drift.
func (m *Manager) Save(id protocol.TextDocumentIdentifier, text *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id.URI]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id.URI)
	}
	if text != nil {
		doc.text = []byte(*text)
		doc.lines = buildLineIndex(doc.text)
	}
	return nil
}

// Close forgets an open document.
func (m *Manager) Close(id protocol.TextDocumentIdentifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id.URI]; !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id.URI)
	}
	delete(m.docs, id.URI)
	return nil
}

// Snapshot returns an immutable view of the document, or false if it is
// not open. The text bytes are shared with the live document; the line
// index is cloned so later mutations cannot tear it.
func (m *Manager) Snapshot(uri protocol.DocumentURI) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[uri]
	if !ok {
		return nil, false
	}
	lines := make([]int, len(doc.lines))
	copy(lines, doc.lines)
	return &Snapshot{
		uri:        doc.uri,
		languageID: doc.languageID,
		version:    doc.version,
		text:       doc.text,
		lines:      lines,
		eol:        doc.eol,
	}, true
}

// Open URIs returns the set of currently open documents.
func (m *Manager) OpenURIs() []protocol.DocumentURI {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uris := make([]protocol.DocumentURI, 0, len(m.docs))
	for uri := range m.docs {
		uris = append(uris, uri)
	}
	return uris
}

// normalizeLineEndings rewrites every CRLF, CR, and LF in text to eol.
func normalizeLineEndings(text []byte, eol EolKind) []byte {
	if !bytes.ContainsAny(text, "\r\n") {
		return text
	}
	nl := eol.Bytes()
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			out = append(out, nl...)
		case '\n':
			out = append(out, nl...)
		default:
			out = append(out, text[i])
		}
	}
	return out
}

// offsetOf converts an LSP position to a byte offset against the given
// text and line index, with the observable clamping rules: a character past
// end-of-line resolves to end-of-line, a line past end-of-document to the
// document end.
func offsetOf(text []byte, lines []int, pos protocol.Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(lines) {
		return len(text)
	}
	lineStart := lines[pos.Line]
	lineEnd := lineContentEnd(text, lines, pos.Line)

	// Walk the line's runes, spending UTF-16 code units until the target
	// character is reached.
	offset := lineStart
	remaining := pos.Character
	for offset < lineEnd && remaining > 0 {
		r, size := utf8.DecodeRune(text[offset:])
		units := 1
		if r > 0xFFFF {
			units = 2
		}
		if remaining < units {
			// Position splits a surrogate pair; clamp to the rune start.
			return offset
		}
		remaining -= units
		offset += size
	}
	return offset
}

// positionOf converts a byte offset to an LSP position, clamping into the
// document and down to a rune boundary.
func positionOf(text []byte, lines []int, offset int) protocol.Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(text) {
		offset = len(text)
	}

	// Binary search for the line containing the offset.
	lo, hi := 0, len(lines)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if lines[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	line := lo

	lineStart := lines[line]
	lineEnd := lineContentEnd(text, lines, line)
	if offset > lineEnd {
		offset = lineEnd
	}

	units := 0
	for i := lineStart; i < offset; {
		r, size := utf8.DecodeRune(text[i:])
		if i+size > offset {
			break // offset inside a rune; clamp down
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return protocol.Position{Line: line, Character: units}
}

// lineContentEnd returns the byte offset just past the line's content,
// excluding its trailing line break.
func lineContentEnd(text []byte, lines []int, line int) int {
	if line+1 < len(lines) {
		end := lines[line+1]
		if end > lines[line] && end <= len(text) && text[end-1] == '\n' {
			end--
		}
		if end > lines[line] && end <= len(text) && end >= 1 && text[end-1] == '\r' {
			end--
		}
		return end
	}
	return len(text)
}
