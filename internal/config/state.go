package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadSessionID returns the session token kept in path. When the file is
// missing or empty, generate is called and its result written to path so
// the next start reuses it.
func LoadSessionID(path string, generate func() string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			slog.Debug("session id restored", "path", path)
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("config: read session state %q: %w", path, err)
	}

	id := generate()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("config: write session state %q: %w", path, err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("config: write session state %q: %w", path, err)
	}
	slog.Info("session id stored", "path", path)
	return id, nil
}
