package server

import (
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dlang-community/dls/internal/config"
	"github.com/dlang-community/dls/internal/document"
	"github.com/dlang-community/dls/internal/event"
	"github.com/dlang-community/dls/internal/fiber"
	"github.com/dlang-community/dls/internal/protocol"
	"github.com/dlang-community/dls/internal/router"
)

// registerDocumentHandlers installs the text synchronization methods. The
// didChange binding is what makes initialize advertise incremental sync.
func (s *Server) registerDocumentHandlers() {
	mustRegister(s.reg, router.NewBinding("textDocument/didOpen", router.KindNotification, s.handleDidOpen))
	mustRegister(s.reg, router.NewBinding("textDocument/didChange", router.KindNotification, s.handleDidChange))
	mustRegister(s.reg, router.NewBinding("textDocument/didSave", router.KindNotification, s.handleDidSave))
	mustRegister(s.reg, router.NewBinding("textDocument/didClose", router.KindNotification, s.handleDidClose))
}

func (s *Server) handleDidOpen(tc *fiber.Context, params *protocol.DidOpenTextDocumentParams) (any, error) {
	if err := s.docs.Open(params.TextDocument); err != nil {
		if errors.Is(err, document.ErrAlreadyOpen) {
			s.logger.Warn("didOpen for already-open document",
				zap.String("uri", string(params.TextDocument.URI)))
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleDidChange(tc *fiber.Context, params *protocol.DidChangeTextDocumentParams) (any, error) {
	err := s.docs.Change(params.TextDocument, params.ContentChanges)
	if errors.Is(err, document.ErrStaleChange) {
		// Already logged by the manager; the notification is spent.
		return nil, nil
	}
	return nil, err
}

func (s *Server) handleDidSave(tc *fiber.Context, params *protocol.DidSaveTextDocumentParams) (any, error) {
	return nil, s.docs.Save(params.TextDocument, params.Text)
}

func (s *Server) handleDidClose(tc *fiber.Context, params *protocol.DidCloseTextDocumentParams) (any, error) {
	return nil, s.docs.Close(params.TextDocument)
}

// registerWorkspaceHandlers installs the configuration and workspace
// change methods.
func (s *Server) registerWorkspaceHandlers() {
	mustRegister(s.reg, router.NewBinding("workspace/didChangeConfiguration", router.KindNotification, s.handleDidChangeConfiguration))
	mustRegister(s.reg, router.NewBinding("workspace/didChangeWatchedFiles", router.KindNotification, s.handleDidChangeWatchedFiles))
	mustRegister(s.reg, router.NewBinding("workspace/didChangeWorkspaceFolders", router.KindNotification, s.handleDidChangeWorkspaceFolders))
}

func (s *Server) handleDidChangeConfiguration(tc *fiber.Context, params *protocol.DidChangeConfigurationParams) (any, error) {
	sections, ok := params.Settings.(map[string]any)
	if !ok {
		s.logger.Warn("didChangeConfiguration settings is not an object")
		return nil, nil
	}
	s.cfg.Update(sections)
	return nil, nil
}

func (s *Server) handleDidChangeWatchedFiles(tc *fiber.Context, params *protocol.DidChangeWatchedFilesParams) (any, error) {
	for _, change := range params.Changes {
		s.logger.Debug("watched file changed",
			zap.String("uri", string(change.URI)),
			zap.Int("type", int(change.Type)))
		if isProjectRecipe(change.URI) {
			_ = s.events.Emit(tc, event.ProjectAvailable, uriToPath(change.URI))
		}
	}
	return nil, nil
}

func (s *Server) handleDidChangeWorkspaceFolders(tc *fiber.Context, params *protocol.DidChangeWorkspaceFoldersParams) (any, error) {
	for _, folder := range params.Event.Added {
		path := uriToPath(folder.URI)
		_ = s.events.Emit(tc, event.AddingProject, path)
		_ = s.events.Emit(tc, event.AddedProject, path)
	}
	for _, folder := range params.Event.Removed {
		s.tools.CloseWorkspace(uriToPath(folder.URI))
	}
	return nil, nil
}

// isProjectRecipe reports whether a URI names a dub package recipe.
func isProjectRecipe(uri protocol.DocumentURI) bool {
	base := strings.ToLower(filepath.Base(string(uri)))
	return base == "dub.json" || base == "dub.sdl"
}

// watchWorkspace starts the fsnotify watcher and bridges its callbacks
// back into the scheduler: each config file change re-reads dls.toml and
// announces recipe changes like client-side watched-file events.
func (s *Server) watchWorkspace(root string) (*config.Watcher, error) {
	return config.WatchWorkspace(s.logger, root, func(path string) {
		s.sched.Post(func() {
			s.sched.Spawn("workspace/configFileChanged", func(tc *fiber.Context) error {
				base := filepath.Base(path)
				if base == config.UserFileName {
					sections, err := config.LoadFile(path)
					if err != nil {
						return err
					}
					s.cfg.Update(sections)
					return nil
				}
				return s.events.Emit(tc, event.ProjectAvailable, filepath.Dir(path))
			}, fiber.WithOnDone(func(err error) {
				if err != nil {
					s.logger.Warn("config file change handling failed",
						zap.String("path", path), zap.Error(err))
				}
			}))
		})
	})
}
