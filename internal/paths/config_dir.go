package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigDir returns the default directory for runbox configuration.
// Uses $XDG_CONFIG_HOME/runbox or ~/.config/runbox.
func ConfigDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "runbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "runbox"), nil
}

// ConfigFilePath is the default location of the runbox config file.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
