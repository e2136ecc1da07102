package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/loykin/streamctl/internal/config"
	"github.com/loykin/streamctl/internal/logger"
	"github.com/loykin/streamctl/internal/stream"
	"github.com/loykin/streamctl/internal/supervisor"
	tlsutil "github.com/loykin/streamctl/internal/tls"
)

// streamPort prefers the PORT handed down by the supervisor.
func streamPort(cfg *config.FileConfig) (int, error) {
	raw := os.Getenv(supervisor.PortKey)
	if raw == "" {
		return cfg.Stream.Port, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid %s=%q", supervisor.PortKey, raw)
	}
	return p, nil
}

func runStreamServer(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	port, err := streamPort(cfg)
	if err != nil {
		return err
	}
	// Output is captured and prefixed by the supervisor.
	opts := cfg.LoggerOptions()
	opts.Writer = os.Stdout
	opts.Color = false
	log := logger.New(opts)

	tc, err := tlsutil.Setup(cfg.StreamTLS())
	if err != nil {
		return fmt.Errorf("stream tls: %w", err)
	}

	srv := stream.New(stream.Config{
		Host:          cfg.Stream.Host,
		Port:          port,
		WebhookSecret: cfg.Stream.WebhookSecret,
		Heartbeat:     cfg.Stream.Heartbeat,
		TLS:           tc,
		Logger:        log,
	})
	return srv.Run(ctx)
}
