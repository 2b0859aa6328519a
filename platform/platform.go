// Package platform provides cross-platform utilities for directory paths,
// shared-library extensions, and OS-specific operations.
package platform

import (
	"os"
)

// AppName is the application name used for directory naming
const AppName = "grebe-depth-studio"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "Grebe Depth Studio"

// ServerName is the server name used for temp directories
const ServerName = "grebe-depth-server"

// ServerDisplayName is the display name for the server on Windows
const ServerDisplayName = "Grebe Depth Server"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Grebe Depth Studio
// Linux: ~/.local/share/grebe-depth-studio
// Falls back to ~/.grebe-depth-studio if XDG is not available.
func GetDataDir() string {
	return getDataDir()
}

// GetTempDir returns the temp directory for extracted model archives.
// Windows: %ProgramData%\Grebe Depth Server\tmp
// Linux: /tmp/grebe-depth-server or XDG_RUNTIME_DIR/grebe-depth-server
func GetTempDir() string {
	return getTempDir()
}

// GetCacheDir returns the cache directory for downloaded model files.
// Windows: %APPDATA%\Grebe Depth Studio
// Linux: ~/.cache/grebe-depth-studio
func GetCacheDir() string {
	return getCacheDir()
}

// SharedLibExtension returns the shared library extension for the current platform.
// Windows: ".dll"
// Linux: ".so"
// macOS: ".dylib"
func SharedLibExtension() string {
	return sharedLibExtension()
}

// EnsureExecutable marks a file as executable where the OS needs it.
// No-op on Windows.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// OpenFile opens a file or directory with the default application.
// Windows: uses "cmd /c start"
// Linux: uses "xdg-open"
func OpenFile(path string) error {
	return openFile(path)
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
