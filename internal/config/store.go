package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Store is the live configuration. It keeps the merged settings both as a
// JSON document (the override log, one sjson write per accepted key) and as
// the decoded typed view handed to components.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	raw      []byte
	settings Settings
	onChange []func(Settings)
}

// NewStore creates a store holding the defaults.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger, settings: Default()}
	raw, err := json.Marshal(s.settings)
	if err != nil {
		raw = []byte("{}")
	}
	s.raw = raw
	return s
}

// Settings returns the current typed view.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Raw returns the merged configuration as JSON.
func (s *Store) Raw() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// OnChange registers a callback fired after every accepted update.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Update merges a settings payload, typically the didChangeConfiguration
// body. Unknown sections are ignored with a log line; a malformed value
// skips only its own key, never the batch.
func (s *Store) Update(sections map[string]any) {
	s.mu.Lock()

	for name, body := range sections {
		if !isKnownSection(name) {
			s.logger.Info("ignoring unknown configuration section", zap.String("section", name))
			continue
		}
		values, ok := body.(map[string]any)
		if !ok {
			s.logger.Warn("configuration section is not an object",
				zap.String("section", name))
			continue
		}
		for key, value := range values {
			if err := s.applyKey(name, key, value); err != nil {
				s.logger.Warn("skipping configuration key",
					zap.String("section", name),
					zap.String("key", key),
					zap.Error(err))
			}
		}
	}

	settings := s.settings
	callbacks := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(settings)
	}
}

// applyKey writes one key into the raw document, then re-decodes the
// section to prove the value fits. A value the schema rejects is rolled
// back. Caller holds the lock.
func (s *Store) applyKey(section, key string, value any) error {
	if !gjson.GetBytes(s.raw, section+"."+key).Exists() {
		return fmt.Errorf("unrecognized key")
	}

	updated, err := sjson.SetBytes(s.raw, section+"."+key, value)
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}

	next := s.settings
	target := sectionTarget(&next, section)
	sectionDoc := gjson.GetBytes(updated, section).Raw

	var m map[string]any
	if err := json.Unmarshal([]byte(sectionDoc), &m); err != nil {
		return fmt.Errorf("reread section: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}

	s.raw = updated
	s.settings = next
	return nil
}

func sectionTarget(settings *Settings, name string) any {
	switch name {
	case "d":
		return &settings.D
	case "dfmt":
		return &settings.Dfmt
	case "dscanner":
		return &settings.Dscanner
	case "editor":
		return &settings.Editor
	case "git":
		return &settings.Git
	default:
		return nil
	}
}
