package protocol

// Hover is the result of textDocument/hover.
type Hover struct {
	Contents HoverContents `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// HoverContents is the MarkedString | MarkedString[] | MarkupContent union.
type HoverContents struct {
	Marked     *MarkedString
	MarkedList *[]MarkedString
	Markup     *MarkupContent
}

// VariantArms implements jsonx.Variant. MarkupContent is tried before the
// scalar MarkedString arms so its required kind/value keys discriminate it
// from the {language, value} MarkedString block.
func (v *HoverContents) VariantArms() []any {
	return []any{&v.Markup, &v.MarkedList, &v.Marked}
}

// HoverParams for textDocument/hover.
type HoverParams struct {
	TextDocumentPositionParams
	WorkDoneProgressParams
}

// CompletionParams for textDocument/completion.
type CompletionParams struct {
	TextDocumentPositionParams
	WorkDoneProgressParams
	PartialResultParams
	Context *CompletionContext `json:"context,omitempty"`
}

// CompletionContext carries how completion was triggered.
type CompletionContext struct {
	TriggerKind      CompletionTriggerKind `json:"triggerKind"`
	TriggerCharacter string                `json:"triggerCharacter,omitempty"`
}

// CompletionItem is one completion suggestion.
type CompletionItem struct {
	Label               string                       `json:"label"`
	Kind                CompletionItemKind           `json:"kind,omitempty"`
	Tags                []int                        `json:"tags,omitempty"`
	Detail              string                       `json:"detail,omitempty"`
	Documentation       *MarkupContent               `json:"documentation,omitempty"`
	Deprecated          bool                         `json:"deprecated,omitempty"`
	Preselect           bool                         `json:"preselect,omitempty"`
	SortText            string                       `json:"sortText,omitempty"`
	FilterText          string                       `json:"filterText,omitempty"`
	InsertText          string                       `json:"insertText,omitempty"`
	InsertTextFormat    InsertTextFormat             `json:"insertTextFormat,omitempty"`
	TextEdit            *TextEditOrInsertReplaceEdit `json:"textEdit,omitempty"`
	AdditionalTextEdits []TextEdit                   `json:"additionalTextEdits,omitempty"`
	CommitCharacters    []string                     `json:"commitCharacters,omitempty"`
	Command             *Command                     `json:"command,omitempty"`
	Data                any                          `json:"data,omitempty"`
}

// CompletionList is a possibly-incomplete set of completion items.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// Diagnostic is one reported problem in a document.
type Diagnostic struct {
	Range              Range                          `json:"range"`
	Severity           DiagnosticSeverity             `json:"severity,omitempty"`
	Code               *IntOrString                   `json:"code,omitempty"`
	Source             string                         `json:"source,omitempty"`
	Message            string                         `json:"message"`
	Tags               []DiagnosticTag                `json:"tags,omitempty"`
	RelatedInformation []DiagnosticRelatedInformation `json:"relatedInformation,omitempty"`
}

// DiagnosticRelatedInformation points at a related location.
type DiagnosticRelatedInformation struct {
	Location Location `json:"location"`
	Message  string   `json:"message"`
}

// IntOrString is the integer | string union used by diagnostic codes.
type IntOrString struct {
	Int *int64
	Str *string
}

// VariantArms implements jsonx.Variant.
func (v *IntOrString) VariantArms() []any {
	return []any{&v.Int, &v.Str}
}

// PublishDiagnosticsParams for textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// DocumentSymbolParams for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	WorkDoneProgressParams
	PartialResultParams
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DocumentSymbol is a hierarchical symbol.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           SymbolKind       `json:"kind"`
	Deprecated     bool             `json:"deprecated,omitempty"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is a flat symbol with a location.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Deprecated    bool       `json:"deprecated,omitempty"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// WorkspaceSymbolParams for workspace/symbol.
type WorkspaceSymbolParams struct {
	WorkDoneProgressParams
	PartialResultParams
	Query string `json:"query"`
}

// ReferenceParams for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	WorkDoneProgressParams
	PartialResultParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls whether the declaration is included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// SignatureHelp is the result of textDocument/signatureHelp.
type SignatureHelp struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature,omitempty"`
	ActiveParameter int                    `json:"activeParameter,omitempty"`
}

// SignatureInformation describes one callable signature.
type SignatureInformation struct {
	Label         string                 `json:"label"`
	Documentation *MarkupContent         `json:"documentation,omitempty"`
	Parameters    []ParameterInformation `json:"parameters,omitempty"`
}

// ParameterInformation describes one parameter of a signature.
type ParameterInformation struct {
	Label         string         `json:"label"`
	Documentation *MarkupContent `json:"documentation,omitempty"`
}

// FormattingOptions carries the client's whitespace preferences.
type FormattingOptions struct {
	TabSize      int  `json:"tabSize"`
	InsertSpaces bool `json:"insertSpaces"`
}

// DocumentFormattingParams for textDocument/formatting.
type DocumentFormattingParams struct {
	WorkDoneProgressParams
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}
