package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory name under $HOME.
	DefaultDirName = ".vectable"

	// EnvVar is the environment variable that overrides the data directory.
	EnvVar = "VECTABLE_DATA_DIR"

	// ConfigFileName is the configuration file looked up in ConfigDir.
	ConfigFileName = "vectable.yaml"

	// subdirectory names inside the data root
	configSubdir   = "config"
	databaseSubdir = "data"
	cacheSubdir    = "cache"
)

// DataDir provides a single source of truth for all data-directory paths.
// Use New to construct an instance, which resolves the root without
// creating anything; call EnsureDirs for that.
type DataDir struct {
	root string
}

// New returns a DataDir rooted at the resolved data directory.
//
// Resolution priority:
//  1. VECTABLE_DATA_DIR environment variable
//  2. configValue argument (the config file's data_dir field)
//  3. ~/.vectable/
func New(configValue string) (*DataDir, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &DataDir{root: root}, nil
}

// Root returns the base data directory path.
func (d *DataDir) Root() string { return d.root }

// ConfigDir returns {root}/config/.
func (d *DataDir) ConfigDir() string { return filepath.Join(d.root, configSubdir) }

// DatabaseDir returns {root}/data/.
func (d *DataDir) DatabaseDir() string { return filepath.Join(d.root, databaseSubdir) }

// CacheDir returns {root}/cache/.
func (d *DataDir) CacheDir() string { return filepath.Join(d.root, cacheSubdir) }

// ConfigFile returns the default configuration file path.
func (d *DataDir) ConfigFile() string { return filepath.Join(d.ConfigDir(), ConfigFileName) }

// DatabasePath resolves a configured database path. Relative paths live in
// DatabaseDir.
func (d *DataDir) DatabasePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.DatabaseDir(), p)
}

func (d *DataDir) subdirectories() []string {
	return []string{d.ConfigDir(), d.DatabaseDir(), d.CacheDir()}
}

// EnsureDirs creates the root and all subdirectories with 0700 permissions.
func (d *DataDir) EnsureDirs() error {
	dirs := append([]string{d.root}, d.subdirectories()...)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Resolve returns the data directory path, creating it with 0700 permissions
// if it doesn't already exist. Resolution follows New.
func Resolve(configValue string) (string, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", root, err)
	}
	return root, nil
}

// resolveRoot determines the root path without creating it.
func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return dir, nil
}
