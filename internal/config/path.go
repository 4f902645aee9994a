package config

import (
	"os"
	"path/filepath"
)

const fileName = "config.toml"

// DefaultPath returns the conventional config location. CDDNS_CONFIG
// overrides everything; otherwise the XDG config directory is used,
// falling back to the current directory.
func DefaultPath() string {
	if p := os.Getenv("CDDNS_CONFIG"); p != "" {
		return p
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cddns", fileName)
	}
	return fileName
}
