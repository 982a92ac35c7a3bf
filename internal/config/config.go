// Package config handles configuration file loading and parsing.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Default configuration values.
const (
	AppName            = "widgetinfo"
	DaemonConfigFile   = "widgetinfod.toml"
	DefaultSocketName  = "widgetinfod.sock"
	DefaultLauncher    = "gtk-launch"
	DefaultOutput      = "json"
	DefaultClientKind  = TransportDBus
	DefaultServeKind   = TransportDBus
	DefaultLogLevel    = "info"
	fixturesSubdir     = "fixtures"
	applicationsSubdir = "applications"
)

// ConfigDir returns the widgetinfo config directory.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func ConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, AppName)
}

// DataPath returns the path to the data directory.
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share.
func DataPath() string {
	return filepath.Join(dataHome(), AppName)
}

func dataHome() string {
	dh := os.Getenv("XDG_DATA_HOME")
	if dh == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dh = filepath.Join(home, ".local", "share")
	}
	return dh
}

// RuntimeDir returns the directory for the daemon socket.
// Uses XDG_RUNTIME_DIR if set, otherwise the temp directory.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName+"-"+currentUser())
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "user"
}

// DefaultSocketPath returns the default unix socket path.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), DefaultSocketName)
}

// FixturesDir returns the directory scanned for fixture files when none are
// configured.
func FixturesDir() string {
	return filepath.Join(ConfigDir(), fixturesSubdir)
}

// ApplicationDirs returns the XDG application directories, user first.
func ApplicationDirs() []string {
	dirs := []string{filepath.Join(dataHome(), applicationsSubdir)}

	system := os.Getenv("XDG_DATA_DIRS")
	if system == "" {
		system = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(system) {
		if d == "" {
			continue
		}
		dirs = append(dirs, filepath.Join(d, applicationsSubdir))
	}
	return dirs
}

// EnsureRuntimeDir creates the runtime directory if it doesn't exist.
func EnsureRuntimeDir() error {
	path := RuntimeDir()
	if path == "" {
		return errors.New("unable to determine runtime directory")
	}
	return os.MkdirAll(path, 0700)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func expandPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, expandPath(p))
	}
	return out
}
