package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// configNames are the file names FindConfigFile looks for, in order.
var configNames = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// DataDir returns the directory holding the database, signing secret and
// audit log. PROVCERT_DATA_DIR overrides the platform default.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".provcert"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "provcert")
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, "provcert")
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "provcert")
}

// FindConfigFile returns the first configuration file present in dir, or "".
func FindConfigFile(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path
		}
	}
	return ""
}
