package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that can be unmarshaled from human-readable strings.
// Supports formats like "5s", "10s", "1m", "1h30m", or integer milliseconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)

	// Try parsing as integer (milliseconds)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	// Parse as duration string (e.g., "5s", "1m", "1h30m")
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '5s', '1m', '1h30m' or milliseconds: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Milliseconds returns the duration in milliseconds.
func (d Duration) Milliseconds() int {
	return int(time.Duration(d).Milliseconds())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Transport kinds.
const (
	TransportDBus      = "dbus"
	TransportSocket    = "socket"
	TransportBoth      = "both"
	TransportSimulated = "simulated"
)

// Provider names accepted in [providers] enabled.
const (
	ProviderSystem       = "system"
	ProviderResources    = "resources"
	ProviderApplications = "applications"
	ProviderFixtures     = "fixtures"
)

// KnownProviders returns every provider name the daemon can build.
func KnownProviders() []string {
	return []string{ProviderSystem, ProviderResources, ProviderApplications, ProviderFixtures}
}

// DaemonConfig is the configuration for widgetinfod.
// Loaded from ~/.config/widgetinfo/widgetinfod.toml
type DaemonConfig struct {
	Log       LogConfig       `toml:"log"`
	Transport TransportConfig `toml:"transport"`
	Registry  RegistryConfig  `toml:"registry"`
	State     StateConfig     `toml:"state"`
	Providers ProvidersConfig `toml:"providers"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// TransportConfig selects the IPC transports.
type TransportConfig struct {
	Kind       string `toml:"kind"`        // daemon: "dbus", "socket" or "both"
	SocketPath string `toml:"socket_path"` // empty = $XDG_RUNTIME_DIR/widgetinfo/widgetinfod.sock
	Client     string `toml:"client"`      // CLI default: "dbus", "socket" or "simulated"
}

// RegistryConfig contains provider call bounds.
type RegistryConfig struct {
	CallTimeout Duration `toml:"call_timeout"` // e.g., "5s"
	HookTimeout Duration `toml:"hook_timeout"` // e.g., "2s"
}

// StateConfig contains device state settings.
type StateConfig struct {
	DeviceStateCapability bool     `toml:"device_state_capability"` // Answer RequestCurrentDeviceState
	ClockInterval         Duration `toml:"clock_interval"`
	TimeJumpThreshold     Duration `toml:"time_jump_threshold"`
	WatchSleep            bool     `toml:"watch_sleep"`   // logind PrepareForSleep
	WatchNetwork          bool     `toml:"watch_network"` // NetworkManager StateChanged
}

// ProvidersConfig selects and configures the data providers.
type ProvidersConfig struct {
	Enabled      []string           `toml:"enabled"`
	Resources    ResourcesConfig    `toml:"resources"`
	Applications ApplicationsConfig `toml:"applications"`
	Fixtures     FixturesConfig     `toml:"fixtures"`
}

// ResourcesConfig configures the resources provider.
type ResourcesConfig struct {
	Interval Duration `toml:"interval"`
}

// ApplicationsConfig configures the applications provider.
type ApplicationsConfig struct {
	Dirs     []string `toml:"dirs"`     // empty = XDG application dirs
	Launcher string   `toml:"launcher"` // command run with the desktop id
}

// FixturesConfig configures the fixtures provider.
type FixturesConfig struct {
	Files []string `toml:"files"` // empty = every *.json/*.jsonc in ~/.config/widgetinfo/fixtures
}

// DefaultDaemonConfig returns a new DaemonConfig with default values.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Transport: TransportConfig{
			Kind:   DefaultServeKind,
			Client: DefaultClientKind,
		},
		Registry: RegistryConfig{
			CallTimeout: Duration(5 * time.Second),
			HookTimeout: Duration(2 * time.Second),
		},
		State: StateConfig{
			DeviceStateCapability: true,
			ClockInterval:         Duration(15 * time.Second),
			TimeJumpThreshold:     Duration(30 * time.Second),
			WatchSleep:            true,
			WatchNetwork:          true,
		},
		Providers: ProvidersConfig{
			Enabled: []string{ProviderSystem, ProviderResources, ProviderApplications, ProviderFixtures},
			Resources: ResourcesConfig{
				Interval: Duration(10 * time.Second),
			},
			Applications: ApplicationsConfig{
				Launcher: DefaultLauncher,
			},
		},
	}
}

// DaemonConfigPath returns the path to the daemon config file.
func DaemonConfigPath() (string, error) {
	dir := ConfigDir()
	if dir == "" {
		return "", fmt.Errorf("unable to determine config directory")
	}
	return filepath.Join(dir, DaemonConfigFile), nil
}

// LoadDaemonConfig loads the daemon configuration from path, or from the
// default path when path is empty.
// If the file doesn't exist, returns the default configuration.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	if path == "" {
		p, err := DaemonConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDaemonConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then overlay with file contents
	config := DefaultDaemonConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveDaemonConfig saves the daemon configuration to path.
func SaveDaemonConfig(path string, config *DaemonConfig) error {
	if path == "" {
		p, err := DaemonConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Validate checks if the configuration is valid.
func (c *DaemonConfig) Validate() error {
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Transport.Kind {
	case TransportDBus, TransportSocket, TransportBoth:
	default:
		return fmt.Errorf("invalid transport kind %q, must be one of: dbus, socket, both", c.Transport.Kind)
	}
	switch c.Transport.Client {
	case TransportDBus, TransportSocket, TransportSimulated:
	default:
		return fmt.Errorf("invalid client transport %q, must be one of: dbus, socket, simulated", c.Transport.Client)
	}

	// Validate timeouts
	if c.Registry.CallTimeout.Duration() < 100*time.Millisecond {
		return fmt.Errorf("call_timeout must be at least 100ms, got %s", c.Registry.CallTimeout.Duration())
	}
	if c.Registry.HookTimeout.Duration() < 100*time.Millisecond {
		return fmt.Errorf("hook_timeout must be at least 100ms, got %s", c.Registry.HookTimeout.Duration())
	}
	if c.State.ClockInterval.Duration() < time.Second {
		return fmt.Errorf("clock_interval must be at least 1s, got %s", c.State.ClockInterval.Duration())
	}
	if c.State.TimeJumpThreshold.Duration() <= 0 {
		return fmt.Errorf("time_jump_threshold must be positive, got %s", c.State.TimeJumpThreshold.Duration())
	}
	if c.Providers.Resources.Interval.Duration() < time.Second {
		return fmt.Errorf("resources interval must be at least 1s, got %s", c.Providers.Resources.Interval.Duration())
	}

	known := KnownProviders()
	for _, name := range c.Providers.Enabled {
		if !slices.Contains(known, name) {
			return fmt.Errorf("unknown provider %q, must be one of: %v", name, known)
		}
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
}

// ProviderEnabled reports whether name is listed in [providers] enabled.
func (c *DaemonConfig) ProviderEnabled(name string) bool {
	return slices.Contains(c.Providers.Enabled, name)
}

// SocketPath returns the configured socket path, or the default.
func (c *DaemonConfig) SocketPath() string {
	if c.Transport.SocketPath == "" {
		return DefaultSocketPath()
	}
	return expandPath(c.Transport.SocketPath)
}

// ApplicationDirs returns the configured application directories, or the
// XDG defaults.
func (c *DaemonConfig) ApplicationDirs() []string {
	if len(c.Providers.Applications.Dirs) == 0 {
		return ApplicationDirs()
	}
	return expandPaths(c.Providers.Applications.Dirs)
}

// FixtureFiles returns the configured fixture files, or every *.json and
// *.jsonc file in FixturesDir.
func (c *DaemonConfig) FixtureFiles() []string {
	if len(c.Providers.Fixtures.Files) > 0 {
		return expandPaths(c.Providers.Fixtures.Files)
	}

	var files []string
	for _, pattern := range []string{"*.json", "*.jsonc"} {
		matches, _ := filepath.Glob(filepath.Join(FixturesDir(), pattern))
		files = append(files, matches...)
	}
	slices.Sort(files)
	return files
}
