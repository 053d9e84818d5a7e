package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/kelsos/pvectl/internal/logger"
)

// EnvFiles lists the .env candidates in priority order: the working
// directory, the directory of the executable and the data directory.
func EnvFiles(dataDir string) []string {
	files := []string{".env"}

	if execPath, err := os.Executable(); err == nil {
		files = append(files, filepath.Join(filepath.Dir(execPath), ".env"))
	} else {
		logger.Debug("Could not determine executable path: %v", err)
	}

	if dir := expandHome(dataDir); dir != "" {
		files = append(files, filepath.Join(dir, "pvectl.env"))
	}
	return files
}

// LoadEnvironment loads every existing candidate from EnvFiles. Variables that
// are already set are never overridden, so earlier files win over later ones.
func LoadEnvironment(dataDir string) []string {
	var loaded []string
	for _, path := range EnvFiles(dataDir) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			logger.Warn("Failed to load %s: %v", path, err)
			continue
		}
		logger.Debug("Loaded environment from %s", path)
		loaded = append(loaded, path)
	}
	return loaded
}

func expandHome(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, strings.TrimPrefix(dir[1:], "/"))
}
