package server

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/event"
	"github.com/dlang-community/dls/internal/fiber"
	"github.com/dlang-community/dls/internal/protocol"
	"github.com/dlang-community/dls/internal/router"
)

// registerLifecycleHandlers installs initialize/initialized/shutdown/exit
// and the progress-cancel plumbing.
func (s *Server) registerLifecycleHandlers() {
	mustRegister(s.reg, router.NewBinding("initialize", router.KindRequest, s.handleInitialize))
	mustRegister(s.reg, router.NewBinding("initialized", router.KindNotification, s.handleInitialized))
	mustRegister(s.reg, router.NewBinding("shutdown", router.KindRequest, s.handleShutdown))
	mustRegister(s.reg, router.NewBinding("exit", router.KindNotification, s.handleExit))
	mustRegister(s.reg, router.NewBinding("window/workDoneProgress/cancel", router.KindNotification, s.handleWorkDoneCancel))
	mustRegister(s.reg, router.NewBinding("$/setTrace", router.KindNotification, s.handleSetTrace))
}

func mustRegister(reg *router.Registry, b router.Binding) {
	if err := reg.Register(b); err != nil {
		panic(err)
	}
}

func (s *Server) handleInitialize(tc *fiber.Context, params *protocol.InitializeParams) (any, error) {
	if s.state != StateUninitialized {
		return nil, protocol.NewMethodError(protocol.CodeInvalidRequest, "server already initialized")
	}
	s.state = StateInitializing
	s.clientCaps = params.Capabilities
	s.rootURI = params.RootURI
	if s.rootURI == "" && len(params.WorkspaceFolders) > 0 {
		s.rootURI = params.WorkspaceFolders[0].URI
	}

	if opts, ok := params.InitializationOptions.(map[string]any); ok {
		if normalize, ok := opts["normalizesLineEndings"].(bool); ok {
			s.docs.SetNormalizeEol(normalize)
		}
	}

	fields := []zap.Field{zap.String("rootUri", string(s.rootURI))}
	if params.ProcessID != nil {
		fields = append(fields, zap.Int("clientPid", *params.ProcessID))
	}
	s.logger.Info("initializing", fields...)

	return protocol.InitializeResult{
		Capabilities: s.buildCapabilities(),
		ServerInfo:   &protocol.ServerInfo{Name: s.opts.Name, Version: s.opts.Version},
	}, nil
}

// buildCapabilities reflects the registry: a provider is advertised iff a
// handler module registered its method.
func (s *Server) buildCapabilities() protocol.ServerCapabilities {
	syncKind := protocol.TextDocumentSyncKindFull
	if s.reg.Has("textDocument/didChange") {
		syncKind = protocol.TextDocumentSyncKindIncremental
	}

	caps := protocol.ServerCapabilities{
		TextDocumentSync: protocol.SyncKindValue(syncKind),
	}
	if s.reg.Has("textDocument/completion") {
		caps.CompletionProvider = &protocol.CompletionOptions{
			TriggerCharacters: []string{".", "=", "/", "*", "+", "-"},
			ResolveProvider:   false,
		}
	}
	if s.reg.Has("textDocument/hover") {
		caps.HoverProvider = true
	}
	if s.reg.Has("textDocument/signatureHelp") {
		caps.SignatureHelpProvider = &protocol.SignatureHelpOptions{
			TriggerCharacters: []string{"(", "[", ","},
		}
	}
	if s.reg.Has("textDocument/definition") {
		caps.DefinitionProvider = true
	}
	if s.reg.Has("textDocument/references") {
		caps.ReferencesProvider = true
	}
	if s.reg.Has("textDocument/documentSymbol") {
		caps.DocumentSymbolProvider = true
	}
	if s.reg.Has("workspace/symbol") {
		caps.WorkspaceSymbolProvider = true
	}
	if s.reg.Has("textDocument/codeAction") {
		caps.CodeActionProvider = true
	}
	if s.reg.Has("textDocument/formatting") {
		caps.DocumentFormattingProvider = true
	}
	if s.reg.Has("textDocument/rangeFormatting") {
		caps.DocumentRangeFormattingProvider = true
	}
	caps.Workspace = &protocol.ServerWorkspaceCapabilities{
		WorkspaceFolders: &protocol.WorkspaceFoldersServerCapabilities{
			Supported:           true,
			ChangeNotifications: true,
		},
	}
	return caps
}

func (s *Server) handleInitialized(tc *fiber.Context, params *protocol.InitializedParams) (any, error) {
	if s.state != StateInitializing {
		s.logger.Warn("initialized notification in state", zap.String("state", s.state.String()))
		return nil, nil
	}
	s.state = StateReady
	s.logger.Info("server ready")

	_ = s.events.Emit(tc, event.RegisteredComponents, nil)

	if root := uriToPath(s.rootURI); root != "" {
		s.startWorkspaceWatcher(root)
		_ = s.events.Emit(tc, event.ProjectAvailable, root)
	}
	return nil, nil
}

// startWorkspaceWatcher begins watching workspace config files; changes
// come back to the dispatch goroutine as fibers re-reading configuration.
func (s *Server) startWorkspaceWatcher(root string) {
	watcher, err := s.watchWorkspace(root)
	if err != nil {
		s.logger.Warn("workspace watcher unavailable", zap.Error(err))
		return
	}
	s.watcher = watcher
}

func (s *Server) handleShutdown(tc *fiber.Context, params *struct{}) (any, error) {
	s.logger.Info("shutdown requested",
		zap.Int("pendingRequests", s.disp.InFlightCount()))
	s.state = StateShuttingDown
	if own, ok := tc.Task().Data().(protocol.RequestToken); ok {
		s.disp.DrainPending(protocol.CodeInvalidRequest, "server is shutting down", own)
	} else {
		s.disp.DrainPending(protocol.CodeInvalidRequest, "server is shutting down")
	}
	return nil, nil
}

func (s *Server) handleExit(tc *fiber.Context, params *struct{}) (any, error) {
	code := 1
	if s.state == StateShuttingDown {
		code = 0
	}
	s.state = StateExited
	s.logger.Info("exit", zap.Int("code", code))
	s.requestExit(code)
	return nil, nil
}

func (s *Server) handleWorkDoneCancel(tc *fiber.Context, params *protocol.WorkDoneProgressCancelParams) (any, error) {
	s.tracker.CancelWorkDone(params.Token)
	return nil, nil
}

func (s *Server) handleSetTrace(tc *fiber.Context, params *protocol.SetTraceParams) (any, error) {
	s.logger.Debug("trace level set", zap.String("value", string(params.Value)))
	return nil, nil
}

// --- dynamic registration ---

// RegisterCapability proxies client/registerCapability for one method,
// recording the registration id so unregistration is idempotent.
func (s *Server) RegisterCapability(tc *fiber.Context, method string, options any) error {
	if _, exists := s.registrations[method]; exists {
		return nil
	}
	id := uuid.New().String()
	params := protocol.RegistrationParams{
		Registrations: []protocol.Registration{{ID: id, Method: method, RegisterOptions: options}},
	}
	if err := s.Request(tc, "client/registerCapability", params, nil); err != nil {
		return err
	}
	s.registrations[method] = id
	return nil
}

// UnregisterCapability removes a dynamic registration. Unknown methods are
// a no-op, so double unregistration is safe.
func (s *Server) UnregisterCapability(tc *fiber.Context, method string) error {
	id, exists := s.registrations[method]
	if !exists {
		return nil
	}
	params := protocol.UnregistrationParams{
		Unregisterations: []protocol.Unregistration{{ID: id, Method: method}},
	}
	if err := s.Request(tc, "client/unregisterCapability", params, nil); err != nil {
		return err
	}
	delete(s.registrations, method)
	return nil
}

// CreateWorkDone asks the client to honor a server-initiated work-done
// token and registers it with the tracker. The token survives until
// cancelled by the client or the server exits.
func (s *Server) CreateWorkDone(tc *fiber.Context, token protocol.ProgressToken, onCancel func()) error {
	if err := s.Request(tc, "window/workDoneProgress/create",
		protocol.WorkDoneProgressCreateParams{Token: token}, nil); err != nil {
		return err
	}
	return s.tracker.CreateWorkDone(token, onCancel)
}

// uriToPath converts a file:// URI to a filesystem path, best effort.
func uriToPath(uri protocol.DocumentURI) string {
	str := string(uri)
	if !strings.HasPrefix(str, "file://") {
		return ""
	}
	path := strings.TrimPrefix(str, "file://")
	// Windows drive URIs arrive as file:///c:/...
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}
