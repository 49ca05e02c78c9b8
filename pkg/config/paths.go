package config

import (
	"os"
	"path/filepath"
)

// defaultModelsRoot is ~/.opta-lmx/models, falling back to a relative
// directory when the home directory cannot be determined.
func defaultModelsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".opta-lmx", "models")
}

// DefaultStateDir is ~/.opta-lmx, used for sqlite databases and the
// compatibility registry when paths are relative.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".opta-lmx")
}
