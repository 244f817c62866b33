package datadir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// EnvFileEnvVar allows overriding the .env file path entirely.
	EnvFileEnvVar = "VECTABLE_ENV_FILE"
)

// LoadEnv loads .env files from standard locations in priority order.
// Earlier files win over later ones, and existing environment variables are
// never overridden, so provider keys set by the shell always take effect.
//
// Default search order:
//  1. VECTABLE_ENV_FILE (if set, only that file is loaded)
//  2. {datadir}/.env
//  3. Project-level .env (current working directory)
//
// Extra directories may be supplied via dirs; a .env file in each is tried
// after the standard locations.
func LoadEnv(dataRoot string, dirs ...string) error {
	files := FindEnvFiles(dataRoot, dirs...)
	if len(files) == 0 {
		return nil
	}
	// godotenv.Load never overrides a variable that is already set, so the
	// first file to define a key wins.
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files %v: %w", files, err)
	}
	return nil
}

// FindEnvFiles returns all .env file paths that would be loaded, in order.
// Files that don't exist on disk are excluded.
func FindEnvFiles(dataRoot string, dirs ...string) []string {
	var found []string
	for _, p := range findEnvPaths(dataRoot, dirs...) {
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

func findEnvPaths(dataRoot string, dirs ...string) []string {
	if override := os.Getenv(EnvFileEnvVar); override != "" {
		return []string{override}
	}

	var paths []string
	if dataRoot != "" {
		paths = append(paths, filepath.Join(dataRoot, ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	for _, d := range dirs {
		if d != "" {
			paths = append(paths, filepath.Join(d, ".env"))
		}
	}
	return dedupPaths(paths)
}

// dedupPaths removes duplicate paths (after cleaning) while preserving order.
func dedupPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, p)
	}
	return out
}
