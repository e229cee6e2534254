package protocol

import (
	"fmt"

	"github.com/dlang-community/dls/internal/jsonx"
)

// ProgressToken is an integer | string token keying progress streams. It is
// value-typed and comparable, so it can key maps directly. The zero token is
// "unset".
type ProgressToken struct {
	kind tokenKind
	num  int64
	str  string
}

// IntProgressToken returns an integer progress token.
func IntProgressToken(n int64) ProgressToken { return ProgressToken{kind: tokenInt, num: n} }

// StringProgressToken returns a string progress token.
func StringProgressToken(s string) ProgressToken { return ProgressToken{kind: tokenString, str: s} }

// IsSet reports whether the token carries a value.
func (t ProgressToken) IsSet() bool { return t.kind == tokenInt || t.kind == tokenString }

// String renders the token for logs.
func (t ProgressToken) String() string {
	switch t.kind {
	case tokenInt:
		return fmt.Sprintf("%d", t.num)
	case tokenString:
		return t.str
	default:
		return "<unset>"
	}
}

// MarshalJSONValue implements jsonx.ValueMarshaler.
func (t ProgressToken) MarshalJSONValue() jsonx.Value {
	switch t.kind {
	case tokenInt:
		return jsonx.NewInt(t.num)
	case tokenString:
		return jsonx.NewString(t.str)
	default:
		return jsonx.NewNull()
	}
}

// UnmarshalJSONValue implements jsonx.ValueUnmarshaler.
func (t *ProgressToken) UnmarshalJSONValue(v jsonx.Value) error {
	switch v.Kind() {
	case jsonx.Number:
		*t = IntProgressToken(v.Int())
	case jsonx.String:
		*t = StringProgressToken(v.Str())
	case jsonx.Null, jsonx.Invalid:
		*t = ProgressToken{}
	default:
		return fmt.Errorf("progress token must be an integer or string, got %s", v.Kind())
	}
	return nil
}

// WorkDoneProgressParams is embedded by request params that accept a
// work-done token.
type WorkDoneProgressParams struct {
	WorkDoneToken ProgressToken `json:"workDoneToken,omitempty"`
}

// PartialResultParams is embedded by request params whose results may be
// streamed through $/progress.
type PartialResultParams struct {
	PartialResultToken ProgressToken `json:"partialResultToken,omitempty"`
}

// ProgressParams is the payload of a $/progress notification.
type ProgressParams struct {
	Token ProgressToken `json:"token"`
	Value jsonx.Value   `json:"value"`
}

// WorkDoneProgressCreateParams for window/workDoneProgress/create.
type WorkDoneProgressCreateParams struct {
	Token ProgressToken `json:"token"`
}

// WorkDoneProgressCancelParams for window/workDoneProgress/cancel.
type WorkDoneProgressCancelParams struct {
	Token ProgressToken `json:"token"`
}

// WorkDoneProgressBegin starts a work-done progress stream.
type WorkDoneProgressBegin struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Cancellable bool   `json:"cancellable,omitempty"`
	Message     string `json:"message,omitempty"`
	Percentage  *int   `json:"percentage,omitempty"`
}

// WorkDoneProgressReport updates a work-done progress stream.
type WorkDoneProgressReport struct {
	Kind        string `json:"kind"`
	Cancellable bool   `json:"cancellable,omitempty"`
	Message     string `json:"message,omitempty"`
	Percentage  *int   `json:"percentage,omitempty"`
}

// WorkDoneProgressEnd closes a work-done progress stream.
type WorkDoneProgressEnd struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID RequestToken `json:"id"`
}

// --- dynamic registration ---

// Registration registers one capability at the client.
type Registration struct {
	ID              string `json:"id"`
	Method          string `json:"method"`
	RegisterOptions any    `json:"registerOptions,omitempty"`
}

// RegistrationParams for client/registerCapability.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

// Unregistration removes one registered capability.
type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// UnregistrationParams for client/unregisterCapability.
type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations"`
}

// --- configuration ---

// DidChangeConfigurationParams for workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings any `json:"settings"`
}

// ConfigurationParams for the workspace/configuration round trip.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem selects one configuration section.
type ConfigurationItem struct {
	ScopeURI DocumentURI `json:"scopeUri,omitempty"`
	Section  string      `json:"section,omitempty"`
}

// --- watched files and workspace folders ---

// DidChangeWatchedFilesParams for workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// FileEvent is one watched-file change.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWorkspaceFoldersParams for workspace/didChangeWorkspaceFolders.
type DidChangeWorkspaceFoldersParams struct {
	Event WorkspaceFoldersChangeEvent `json:"event"`
}

// WorkspaceFoldersChangeEvent lists added and removed folders.
type WorkspaceFoldersChangeEvent struct {
	Added   []WorkspaceFolder `json:"added"`
	Removed []WorkspaceFolder `json:"removed"`
}

// FileSystemWatcher registers one glob with the client's file watcher.
type FileSystemWatcher struct {
	GlobPattern string    `json:"globPattern"`
	Kind        WatchKind `json:"kind,omitempty"`
}

// DidChangeWatchedFilesRegistrationOptions for dynamic watcher registration.
type DidChangeWatchedFilesRegistrationOptions struct {
	Watchers []FileSystemWatcher `json:"watchers"`
}
