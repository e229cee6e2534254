package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// UserFileName is the per-user or per-workspace config file.
const UserFileName = "dls.toml"

// LoadFile reads a dls.toml and returns its sections in the same shape as a
// didChangeConfiguration payload, so Store.Update applies both identically.
// A missing file is not an error; it returns an empty map.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var sections map[string]any
	if err := toml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sections, nil
}
