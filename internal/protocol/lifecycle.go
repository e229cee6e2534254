package protocol

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProcessID             *int               `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	Locale                string             `json:"locale,omitempty"`
	RootPath              *string            `json:"rootPath,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	Trace                 TraceValue         `json:"trace,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	WorkDoneToken         ProgressToken      `json:"workDoneToken,omitempty"`
}

// ClientInfo names the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo names the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams for the initialized notification.
type InitializedParams struct{}

// ClientCapabilities is the client-side capability record. Only the parts
// the core consults are modeled as structure; experimental stays a generic
// value, and other members the client sends are dropped on decode.
type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Window       *WindowClientCapabilities       `json:"window,omitempty"`
	Experimental any                             `json:"experimental,omitempty"`
}

// WorkspaceClientCapabilities covers workspace-scoped client features.
type WorkspaceClientCapabilities struct {
	ApplyEdit              bool                           `json:"applyEdit,omitempty"`
	WorkspaceFolders       bool                           `json:"workspaceFolders,omitempty"`
	Configuration          bool                           `json:"configuration,omitempty"`
	DidChangeConfiguration *DynamicRegistrationCapability `json:"didChangeConfiguration,omitempty"`
	DidChangeWatchedFiles  *DynamicRegistrationCapability `json:"didChangeWatchedFiles,omitempty"`
	Symbol                 *WorkspaceSymbolCapability     `json:"symbol,omitempty"`
}

// DynamicRegistrationCapability is the common {dynamicRegistration} record.
type DynamicRegistrationCapability struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// WorkspaceSymbolCapability for workspace/symbol.
type WorkspaceSymbolCapability struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// TextDocumentClientCapabilities covers document-scoped client features.
type TextDocumentClientCapabilities struct {
	Synchronization    *TextDocumentSyncClientCapabilities   `json:"synchronization,omitempty"`
	Completion         *CompletionClientCapabilities         `json:"completion,omitempty"`
	Hover              *HoverClientCapabilities              `json:"hover,omitempty"`
	PublishDiagnostics *PublishDiagnosticsClientCapabilities `json:"publishDiagnostics,omitempty"`
}

// TextDocumentSyncClientCapabilities for text synchronization.
type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	WillSave            bool `json:"willSave,omitempty"`
	WillSaveWaitUntil   bool `json:"willSaveWaitUntil,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// CompletionClientCapabilities for textDocument/completion.
type CompletionClientCapabilities struct {
	DynamicRegistration bool                        `json:"dynamicRegistration,omitempty"`
	CompletionItem      *CompletionItemCapabilities `json:"completionItem,omitempty"`
	ContextSupport      bool                        `json:"contextSupport,omitempty"`
}

// CompletionItemCapabilities describes completion-item client features.
type CompletionItemCapabilities struct {
	SnippetSupport          bool         `json:"snippetSupport,omitempty"`
	CommitCharactersSupport bool         `json:"commitCharactersSupport,omitempty"`
	DocumentationFormat     []MarkupKind `json:"documentationFormat,omitempty"`
	DeprecatedSupport       bool         `json:"deprecatedSupport,omitempty"`
	InsertReplaceSupport    bool         `json:"insertReplaceSupport,omitempty"`
}

// HoverClientCapabilities for textDocument/hover.
type HoverClientCapabilities struct {
	DynamicRegistration bool         `json:"dynamicRegistration,omitempty"`
	ContentFormat       []MarkupKind `json:"contentFormat,omitempty"`
}

// PublishDiagnosticsClientCapabilities for diagnostics publishing.
type PublishDiagnosticsClientCapabilities struct {
	RelatedInformation bool `json:"relatedInformation,omitempty"`
	VersionSupport     bool `json:"versionSupport,omitempty"`
}

// WindowClientCapabilities covers window-scoped client features.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress,omitempty"`
}

// ServerCapabilities is published by the server at initialize. Provider
// members are present iff a matching handler is registered.
type ServerCapabilities struct {
	TextDocumentSync                *TextDocumentSyncValue       `json:"textDocumentSync,omitempty"`
	CompletionProvider              *CompletionOptions           `json:"completionProvider,omitempty"`
	HoverProvider                   bool                         `json:"hoverProvider,omitempty"`
	SignatureHelpProvider           *SignatureHelpOptions        `json:"signatureHelpProvider,omitempty"`
	DefinitionProvider              bool                         `json:"definitionProvider,omitempty"`
	ReferencesProvider              bool                         `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider          bool                         `json:"documentSymbolProvider,omitempty"`
	WorkspaceSymbolProvider         bool                         `json:"workspaceSymbolProvider,omitempty"`
	CodeActionProvider              bool                         `json:"codeActionProvider,omitempty"`
	DocumentFormattingProvider      bool                         `json:"documentFormattingProvider,omitempty"`
	DocumentRangeFormattingProvider bool                         `json:"documentRangeFormattingProvider,omitempty"`
	Workspace                       *ServerWorkspaceCapabilities `json:"workspace,omitempty"`
}

// TextDocumentSyncValue is the TextDocumentSyncKind | TextDocumentSyncOptions
// union of ServerCapabilities.textDocumentSync.
type TextDocumentSyncValue struct {
	Kind    *TextDocumentSyncKind
	Options *TextDocumentSyncOptions
}

// VariantArms implements jsonx.Variant.
func (v *TextDocumentSyncValue) VariantArms() []any {
	return []any{&v.Kind, &v.Options}
}

// SyncKindValue wraps a plain sync kind into the union.
func SyncKindValue(kind TextDocumentSyncKind) *TextDocumentSyncValue {
	return &TextDocumentSyncValue{Kind: &kind}
}

// TextDocumentSyncOptions is the expanded form of textDocumentSync.
type TextDocumentSyncOptions struct {
	OpenClose bool                  `json:"openClose,omitempty"`
	Change    *TextDocumentSyncKind `json:"change,omitempty"`
	Save      *SaveOptions          `json:"save,omitempty"`
}

// SaveOptions for textDocument/didSave registration.
type SaveOptions struct {
	IncludeText bool `json:"includeText,omitempty"`
}

// CompletionOptions advertises the completion provider.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
}

// SignatureHelpOptions advertises the signature-help provider.
type SignatureHelpOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
}

// ServerWorkspaceCapabilities covers workspace-scoped server features.
type ServerWorkspaceCapabilities struct {
	WorkspaceFolders *WorkspaceFoldersServerCapabilities `json:"workspaceFolders,omitempty"`
}

// WorkspaceFoldersServerCapabilities advertises folder support.
type WorkspaceFoldersServerCapabilities struct {
	Supported           bool `json:"supported,omitempty"`
	ChangeNotifications bool `json:"changeNotifications,omitempty"`
}

// SetTraceParams for $/setTrace.
type SetTraceParams struct {
	Value TraceValue `json:"value"`
}

// ShowMessageParams for window/showMessage.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// LogMessageParams for window/logMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}
