package ipc

import (
	"os"
	"path/filepath"
)

const socketName = "cddns.sock"

// SocketPath returns the conventional socket location: the user runtime
// directory when available, then the state directory, then the system
// temp dir. CDDNS_SOCKET overrides everything.
func SocketPath() string {
	if p := os.Getenv("CDDNS_SOCKET"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, socketName)
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, socketName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", socketName)
	}
	return filepath.Join(os.TempDir(), socketName)
}
