package svcmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/bitrot"
	"github.com/core-tools/hsu-svcmgr/pkg/daemons"
	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"
	"github.com/core-tools/hsu-svcmgr/pkg/volstore"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkdir         = "/var/lib/glusterd"
	DefaultLogDir          = "/var/log/glusterfs"
	DefaultRunDir          = "/var/run/gluster"
	DefaultSocketName      = "svcmgrd.sock"
	DefaultReconnectWindow = 600 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config represents the top-level configuration file structure
type Config struct {
	Manager  ManagerOptions    `yaml:"manager"`
	Logging  logging.ZapConfig `yaml:"logging"`
	Volumes  []VolumeConfig    `yaml:"volumes"`
	Services []ServiceConfig   `yaml:"services"`
}

// ManagerOptions represents manager-level configuration
type ManagerOptions struct {
	// Port serves the control plane on TCP localhost; zero selects the unix socket
	Port            int           `yaml:"port,omitempty"`
	Socket          string        `yaml:"socket,omitempty"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	Workdir         string        `yaml:"workdir,omitempty"`
	LogDir          string        `yaml:"log_dir,omitempty"`
	RunDir          string        `yaml:"run_dir,omitempty"`
	SbinDir         string        `yaml:"sbin_dir,omitempty"`
	ListenAddress   string        `yaml:"listen_address,omitempty"`
	OpVersion       int           `yaml:"op_version,omitempty"`
	MemoryDebug     bool          `yaml:"memory_debug,omitempty"`
	ReconnectWindow time.Duration `yaml:"reconnect_window,omitempty"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// VolumeConfig seeds a volume that is not yet in the store
type VolumeConfig struct {
	Name    string            `yaml:"name"`
	Status  volstore.Status   `yaml:"status,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// ServiceConfig selects a daemon to supervise
type ServiceConfig struct {
	Type    string `yaml:"type"`
	Volume  string `yaml:"volume,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
}

func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LoadConfigFromFile loads manager configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	SetConfigDefaults(&config)
	return &config, nil
}

// SetConfigDefaults applies default values to configuration
func SetConfigDefaults(config *Config) {
	m := &config.Manager
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	if m.Workdir == "" {
		m.Workdir = DefaultWorkdir
	}
	if m.LogDir == "" {
		m.LogDir = DefaultLogDir
	}
	if m.RunDir == "" {
		m.RunDir = DefaultRunDir
	}
	if m.Port == 0 && m.Socket == "" {
		m.Socket = filepath.Join(m.RunDir, DefaultSocketName)
	}
	if m.OpVersion == 0 {
		m.OpVersion = bitrot.MinOpVersion
	}
	if m.ReconnectWindow == 0 {
		m.ReconnectWindow = DefaultReconnectWindow
	}
	if m.GracefulTimeout == 0 {
		m.GracefulTimeout = DefaultGracefulTimeout
	}
	if m.ShutdownTimeout == 0 {
		m.ShutdownTimeout = DefaultShutdownTimeout
	}

	if config.Logging.Level == "" {
		config.Logging.Level = m.LogLevel
	}
	if config.Logging.Format == "" {
		config.Logging.Format = logging.DefaultZapConfig().Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = logging.DefaultZapConfig().Output
	}

	if len(config.Services) == 0 {
		config.Services = []ServiceConfig{
			{Type: daemons.TypeQuotad},
			{Type: daemons.TypeBitd},
			{Type: daemons.TypeScrub},
		}
	}
	for i := range config.Volumes {
		if config.Volumes[i].Status == "" {
			config.Volumes[i].Status = volstore.StatusCreated
		}
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	if err := validateManagerOptions(&config.Manager); err != nil {
		return errors.NewValidationError("invalid manager configuration", err)
	}
	if err := validateVolumes(config.Volumes); err != nil {
		return errors.NewValidationError("invalid volumes configuration", err)
	}
	if err := validateServices(config.Services); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}
	return nil
}

func validateManagerOptions(m *ManagerOptions) error {
	if m.Port < 0 || m.Port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("invalid port number: %d", m.Port), nil).
			WithContext("valid_range", "1-65535")
	}
	if m.Port == 0 {
		if err := svcpath.ValidatePath("control socket", m.Socket, svcpath.MaxSocketPathLength); err != nil {
			return err
		}
	}

	if _, err := logging.ParseLevel(m.LogLevel); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid log level: %s", m.LogLevel), err).
			WithContext("valid_levels", "debug, info, warn, error")
	}

	for _, dir := range []struct{ field, value string }{
		{"workdir", m.Workdir},
		{"log directory", m.LogDir},
		{"run directory", m.RunDir},
	} {
		if err := svcpath.ValidatePath(dir.field, dir.value, svcpath.MaxPathLength); err != nil {
			return err
		}
	}

	if m.OpVersion < 0 {
		return errors.NewValidationError("op_version cannot be negative", nil)
	}
	if m.ReconnectWindow < 0 || m.GracefulTimeout < 0 || m.ShutdownTimeout < 0 {
		return errors.NewValidationError("timeouts cannot be negative", nil)
	}
	return nil
}

func validateVolumes(volumes []VolumeConfig) error {
	seen := make(map[string]int)
	for i, v := range volumes {
		if err := svcpath.ValidateName(v.Name); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid volume name at index %d", i), err)
		}
		if prev, exists := seen[v.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate volume '%s' found at indices %d and %d", v.Name, prev, i), nil)
		}
		seen[v.Name] = i

		switch v.Status {
		case "", volstore.StatusCreated, volstore.StatusStarted, volstore.StatusStopped:
		default:
			return errors.NewValidationError(fmt.Sprintf("unsupported volume status: %s", v.Status), nil).
				WithContext("volume", v.Name)
		}
	}
	return nil
}

func validateServices(services []ServiceConfig) error {
	seen := make(map[string]int)
	for i, s := range services {
		key := s.Type
		switch s.Type {
		case daemons.TypeQuotad, daemons.TypeBitd, daemons.TypeScrub:
			if s.Volume != "" {
				return errors.NewValidationError(fmt.Sprintf("%s is node-wide and takes no volume", s.Type), nil).
					WithContext("index", i)
			}
		case daemons.TypeSnapd:
			if err := svcpath.ValidateName(s.Volume); err != nil {
				return errors.NewValidationError(fmt.Sprintf("snapd at index %d requires a valid volume", i), err)
			}
			key = daemons.SnapdName(s.Volume)
		default:
			return errors.NewValidationError(fmt.Sprintf("unsupported service type: %s", s.Type), nil).
				WithContext("supported_types", "quotad, bitd, scrub, snapd")
		}

		if prev, exists := seen[key]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate service '%s' found at indices %d and %d", key, prev, i), nil)
		}
		seen[key] = i
	}
	return nil
}
