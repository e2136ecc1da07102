package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/streamctl/internal/cron"
	"github.com/loykin/streamctl/internal/logger"
	"github.com/loykin/streamctl/internal/supervisor"
	tlsutil "github.com/loykin/streamctl/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. STREAMCTL_CONTROL_LISTEN.
const EnvPrefix = "STREAMCTL"

// StreamServerCommand is the sub-command the default stream-server target runs.
const StreamServerCommand = "stream-server"

// KnownServices is the closed set of service names a config may declare.
var KnownServices = []string{supervisor.StreamServer, supervisor.ChatBot}

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool             `toml:"use_os_env" mapstructure:"use_os_env"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Services   []ServiceConfig  `toml:"services" mapstructure:"services"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Control    ControlConfig    `toml:"control" mapstructure:"control"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Stream     StreamConfig     `toml:"stream" mapstructure:"stream"`
}

type SupervisorConfig struct {
	StopTimeout    time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	SettleDelay    time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	HealthHost     string        `toml:"health_host" mapstructure:"health_host"`
	ProbeTimeout   time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	HealthSchedule string        `toml:"health_schedule" mapstructure:"health_schedule"` // empty disables
}

type ServiceConfig struct {
	Name     string     `toml:"name" mapstructure:"name"`
	Target   string     `toml:"target" mapstructure:"target"`
	Args     []string   `toml:"args" mapstructure:"args"`
	Port     int        `toml:"port" mapstructure:"port"`
	Optional bool       `toml:"optional" mapstructure:"optional"`
	TLS      bool       `toml:"tls" mapstructure:"tls"` // serves /health over HTTPS
	Env      []string   `toml:"env" mapstructure:"env"`
	Log      *LogConfig `toml:"log" mapstructure:"log"`
}

// LogConfig covers the operator log and the per-service rotating files.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ControlConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	ProcessInterval time.Duration `toml:"process_interval" mapstructure:"process_interval"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type StreamConfig struct {
	Host          string        `toml:"host" mapstructure:"host"`
	Port          int           `toml:"port" mapstructure:"port"`
	WebhookSecret string        `toml:"webhook_secret" mapstructure:"webhook_secret"`
	Heartbeat     time.Duration `toml:"heartbeat" mapstructure:"heartbeat"`
	TLS           TLSConfig     `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("supervisor.settle_delay", supervisor.DefaultSettleDelay)
	v.SetDefault("supervisor.health_host", supervisor.DefaultHealthHost)
	v.SetDefault("supervisor.probe_timeout", 3*time.Second)
	v.SetDefault("supervisor.health_schedule", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("control.listen", "127.0.0.1:3100")
	v.SetDefault("control.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.process_interval", 5*time.Second)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("stream.host", "0.0.0.0")
	v.SetDefault("stream.port", 3001)
	v.SetDefault("stream.webhook_secret", "")
	v.SetDefault("stream.heartbeat", 30*time.Second)
	v.SetDefault("stream.tls.enabled", false)
	v.SetDefault("stream.tls.min_version", "1.3")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper, path string) (*FileConfig, error) {
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(fc.Services) == 0 {
		fc.Services = DefaultServices(path)
	}
	return &fc, nil
}

// Load reads the TOML file at path (empty means defaults only), applies
// STREAMCTL_* overrides, fills in the default services when none are
// declared and validates the result.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	fc, err := decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *FileConfig {
	v := viper.New()
	setDefaults(v)
	fc, err := decode(v, "")
	if err != nil {
		return &FileConfig{Services: DefaultServices("")}
	}
	return fc
}

// DefaultServices declares the stream server, run as this executable's
// stream-server sub-command, and the optional chat bot next to it. A
// non-empty configPath is handed to the stream server as --config so it
// reads the same [stream] section as the supervisor.
func DefaultServices(configPath string) []ServiceConfig {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := []string{StreamServerCommand}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
		args = append(args, "--config", configPath)
	}
	return []ServiceConfig{
		{
			Name:   supervisor.StreamServer,
			Target: exe,
			Args:   args,
			Port:   3001,
		},
		{
			Name:     supervisor.ChatBot,
			Target:   filepath.Join(filepath.Dir(exe), "chat-bot"),
			Port:     3002,
			Optional: true,
		},
	}
}

// IsKnownService reports whether name belongs to KnownServices.
func IsKnownService(name string) bool {
	for _, k := range KnownServices {
		if k == name {
			return true
		}
	}
	return false
}

// Validate checks service names, duplicates and ports.
func (fc *FileConfig) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(fc.Services))
	for i, s := range fc.Services {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		case !IsKnownService(s.Name):
			errs = append(errs, fmt.Errorf("services[%d]: unknown service %q (known: %s)", i, s.Name, strings.Join(KnownServices, ", ")))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service %q", i, s.Name))
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Target) == "" {
			errs = append(errs, fmt.Errorf("service %s: target is required", s.Name))
		}
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("service %s: port %d out of range 1-65535", s.Name, s.Port))
		}
	}
	if fc.Stream.Port < 1 || fc.Stream.Port > 65535 {
		errs = append(errs, fmt.Errorf("stream: port %d out of range 1-65535", fc.Stream.Port))
	}
	if fc.Supervisor.HealthSchedule != "" {
		if err := cron.Validate(fc.Supervisor.HealthSchedule); err != nil {
			errs = append(errs, fmt.Errorf("supervisor.health_schedule: %w", err))
		}
	}
	if t := fc.Stream.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("stream.tls: cert_file and key_file, or dir, are required when enabled"))
	}
	if fc.History.Enabled && strings.TrimSpace(fc.History.DSN) == "" {
		errs = append(errs, errors.New("history: dsn is required when enabled"))
	}
	return errors.Join(errs...)
}

// Descriptors converts the declared services for the supervisor, keeping
// declaration order.
func (fc *FileConfig) Descriptors() []supervisor.Descriptor {
	out := make([]supervisor.Descriptor, 0, len(fc.Services))
	for _, s := range fc.Services {
		out = append(out, supervisor.Descriptor{
			Name:     s.Name,
			Target:   s.Target,
			Args:     append([]string(nil), s.Args...),
			Port:     s.Port,
			Optional: s.Optional,
			TLS:      s.TLS || (s.Name == supervisor.StreamServer && fc.Stream.TLS.Enabled),
			Env:      append([]string(nil), s.Env...),
		})
	}
	return out
}

// SupervisorOptions maps the [supervisor] section; collaborators are left
// for the caller to fill in.
func (fc *FileConfig) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		StopTimeout: fc.Supervisor.StopTimeout,
		SettleDelay: fc.Supervisor.SettleDelay,
		HealthHost:  fc.Supervisor.HealthHost,
	}
}

// StreamTLS maps [stream.tls] for the stream server listener.
func (fc *FileConfig) StreamTLS() tlsutil.Options {
	t := fc.Stream.TLS
	return tlsutil.Options{
		Enabled:      t.Enabled,
		CertFile:     t.CertFile,
		KeyFile:      t.KeyFile,
		Dir:          t.Dir,
		AutoGenerate: t.AutoGenerate,
		MinVersion:   t.MinVersion,
		Hosts:        append([]string(nil), t.Hosts...),
	}
}

// LoggerOptions maps [log] onto the operator logger.
func (fc *FileConfig) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  fc.Log.Level,
		Format: fc.Log.Format,
		Color:  fc.Log.Color,
	}
}

// FileLog returns the rotating file settings for one service: top-level
// [log] values overridden by the service's own [services.log] block.
func (fc *FileConfig) FileLog(name string) logger.Config {
	cfg := logger.Config{
		Dir:        fc.Log.Dir,
		StdoutPath: fc.Log.Stdout,
		StderrPath: fc.Log.Stderr,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
	for _, s := range fc.Services {
		if s.Name != name || s.Log == nil {
			continue
		}
		if s.Log.Dir != "" {
			cfg.Dir = s.Log.Dir
		}
		if s.Log.Stdout != "" {
			cfg.StdoutPath = s.Log.Stdout
		}
		if s.Log.Stderr != "" {
			cfg.StderrPath = s.Log.Stderr
		}
		if s.Log.MaxSizeMB != 0 {
			cfg.MaxSizeMB = s.Log.MaxSizeMB
		}
		if s.Log.MaxBackups != 0 {
			cfg.MaxBackups = s.Log.MaxBackups
		}
		if s.Log.MaxAgeDays != 0 {
			cfg.MaxAgeDays = s.Log.MaxAgeDays
		}
		if s.Log.Compress {
			cfg.Compress = true
		}
	}
	return cfg
}

// BaseEnv is the environment children start from: the supervisor's own
// when use_os_env is set, otherwise empty.
func (fc *FileConfig) BaseEnv() []string {
	if fc.UseOSEnv {
		return os.Environ()
	}
	return nil
}

// GlobalEnv merges env_files contents in order, then the top-level env list.
// These apply on top of BaseEnv.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
