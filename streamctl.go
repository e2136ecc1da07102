package streamctl

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/streamctl/internal/config"
	"github.com/loykin/streamctl/internal/env"
	"github.com/loykin/streamctl/internal/health"
	"github.com/loykin/streamctl/internal/metrics"
	iapi "github.com/loykin/streamctl/internal/server"
	"github.com/loykin/streamctl/internal/supervisor"
)

// Re-export core types for external consumers.

type Descriptor = supervisor.Descriptor

type Status = supervisor.Status

type Health = supervisor.Health

type Options = supervisor.Options

type Supervisor = supervisor.Supervisor

type Config = cfg.FileConfig

const (
	StreamServer = supervisor.StreamServer
	ChatBot      = supervisor.ChatBot
)

// New builds a supervisor from explicit descriptors.
func New(descs []Descriptor, opts Options) (*Supervisor, error) { return supervisor.New(descs, opts) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewFromConfig wires the OS launcher, the HTTP prober and the child
// environment from a loaded config. Children inherit the supervisor's
// environment only when use_os_env is set.
func NewFromConfig(c *Config, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	global, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	e := env.NewWithBase(c.BaseEnv())
	e.SetAll(global)

	opts := c.SupervisorOptions()
	opts.Launcher = &supervisor.OSLauncher{Env: e, Log: log, Files: c.FileLog}
	opts.Prober = health.NewProber(c.Supervisor.ProbeTimeout)
	opts.Logger = log
	return supervisor.New(c.Descriptors(), opts)
}

// NewHTTPServer returns (unstarted) the control API for sup.
func NewHTTPServer(addr, basePath string, sup *Supervisor) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(sup, basePath).Handler())
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
