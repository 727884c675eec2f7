package config

import (
	"os"
	"path/filepath"
)

// Paths contains the broker's standard data paths. Spec pins a single
// fixed file layout (~/.agentation/store.db) rather than the teacher's
// full XDG split, since the broker has nothing to put in separate
// cache/state directories.
type Paths struct {
	Home string // ~/.agentation
}

// GetPaths returns the broker's standard data paths, honoring
// AGENTATION_HOME for tests and non-standard environments.
func GetPaths() *Paths {
	home := os.Getenv("AGENTATION_HOME")
	if home == "" {
		home = filepath.Join(defaultHome(), ".agentation")
	}
	return &Paths{Home: home}
}

// EnsurePaths creates the data directory.
func (p *Paths) EnsurePaths() error {
	return os.MkdirAll(p.Home, 0o755)
}

// StorePath returns the path to the durable sqlite store file.
func (p *Paths) StorePath() string {
	return filepath.Join(p.Home, "store.db")
}

func defaultHome() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
