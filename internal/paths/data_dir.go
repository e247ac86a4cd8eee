package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for runbox durable data.
// Preference order:
// 1. $XDG_DATA_HOME/runbox
// 2. ~/.local/share/runbox
// 3. $XDG_RUNTIME_DIR/runbox
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "runbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "runbox"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "runbox"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "runbox"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// StateDBPath is the default location of the session state database.
func StateDBPath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "state.db"), nil
}
