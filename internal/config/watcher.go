package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchedFiles are the workspace files whose changes matter to the server:
// the package recipe and the user config.
var watchedFiles = map[string]bool{
	"dub.json":            true,
	"dub.sdl":             true,
	"dub.selections.json": true,
	UserFileName:          true,
}

// Watcher reports changes to workspace configuration files.
type Watcher struct {
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchWorkspace watches the workspace root for configuration file changes
// and invokes onChange with the path of each. The callback runs on the
// watcher's goroutine; callers route it back to the dispatch thread.
func WatchWorkspace(logger *zap.Logger, root string, onChange func(path string)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{logger: logger, watcher: fsw, done: make(chan struct{})}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func(path string)) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !watchedFiles[filepath.Base(ev.Name)] {
				continue
			}
			onChange(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	return w.watcher.Close()
}
