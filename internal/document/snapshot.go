package document

import (
	"github.com/dlang-community/dls/internal/protocol"
)

// Snapshot is an immutable view of a document at one version. It is safe
// to read from any fiber for as long as the reference is held; newer
// versions never mutate an existing snapshot.
type Snapshot struct {
	uri        protocol.DocumentURI
	languageID string
	version    int
	text       []byte
	lines      []int
	eol        EolKind
}

// URI returns the document URI.
func (s *Snapshot) URI() protocol.DocumentURI { return s.uri }

// LanguageID returns the language identifier from didOpen.
func (s *Snapshot) LanguageID() string { return s.languageID }

// Version returns the document version this snapshot was taken at.
func (s *Snapshot) Version() int { return s.version }

// Eol returns the detected newline style.
func (s *Snapshot) Eol() EolKind { return s.eol }

// Text returns the full document text. The bytes are shared; callers must
// not modify the returned string's backing.
func (s *Snapshot) Text() string { return string(s.text) }

// Len returns the document length in bytes.
func (s *Snapshot) Len() int { return len(s.text) }

// LineCount returns the number of lines.
func (s *Snapshot) LineCount() int { return len(s.lines) }

// LineText returns one line's content without its line break. Out-of-range
// lines return the empty string.
func (s *Snapshot) LineText(line int) string {
	if line < 0 || line >= len(s.lines) {
		return ""
	}
	return string(s.text[s.lines[line]:lineContentEnd(s.text, s.lines, line)])
}

// OffsetOf resolves a position to a byte offset. Character counts UTF-16
// code units; positions past end-of-line clamp to end-of-line, past
// end-of-document to the document end.
func (s *Snapshot) OffsetOf(pos protocol.Position) int {
	return offsetOf(s.text, s.lines, pos)
}

// PositionOf resolves a byte offset to a position in UTF-16 code units.
func (s *Snapshot) PositionOf(offset int) protocol.Position {
	return positionOf(s.text, s.lines, offset)
}

// RangeText returns the text covered by an LSP range.
func (s *Snapshot) RangeText(r protocol.Range) string {
	start := s.OffsetOf(r.Start)
	end := s.OffsetOf(r.End)
	if end < start {
		start, end = end, start
	}
	return string(s.text[start:end])
}
