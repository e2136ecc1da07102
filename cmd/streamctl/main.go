package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// StartFlags holds flags for the foreground start command
type StartFlags struct {
	ConfigPath string
	Only       string
}

// ClientFlags holds flags for commands that talk to a running supervisor
type ClientFlags struct {
	ConfigPath string
	Only       string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createStatusCommand(globalFlags),
		createHealthCommand(globalFlags),
		createStreamServerCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "streamctl",
		Short: "Supervisor for live-stream helper services",
		Long: `streamctl starts, stops and health-checks the services behind a live
coding broadcast: the stream server (primary) and the chat bot (optional).

Examples:
  streamctl start                       # run the supervisor in the foreground
  streamctl start --only=stream-server
  streamctl status                      # from another terminal
  streamctl stop --only=chat-bot`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start services and supervise them until interrupted",
		Long: `Start every declared service in order (or just one with --only) and keep
supervising them. SIGINT or SIGTERM stops all services before exiting.

Examples:
  streamctl start
  streamctl start --only=chat-bot --config=streamctl.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if err := checkOnly(flags.Only); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runStart(ctx, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Only, "only", "", "start a single service (stream-server | chat-bot)")
	return cmd
}

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default derived from [control] in config)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
}

// createStopCommand creates the stop subcommand
func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop services of a running supervisor",
		Long: `Ask the running supervisor to stop every service, or one with --only.

Examples:
  streamctl stop
  streamctl stop --only=chat-bot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if err := checkOnly(flags.Only); err != nil {
				return err
			}
			return runStop(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Only, "only", "", "stop a single service (stream-server | chat-bot)")
	addClientFlags(cmd, flags)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status after a health refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return runStatus(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// createHealthCommand creates the health subcommand
func createHealthCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every service's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return runHealth(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// createStreamServerCommand creates the stream-server subcommand, the
// default launch target of the stream-server service.
func createStreamServerCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stream-server",
		Short: "Run the overlay stream server",
		Long: `Serve the overlay websocket, the GitHub webhook and the session API.
The listen port comes from $PORT when set (the supervisor sets it),
otherwise from [stream].port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runStreamServer(ctx, globalFlags.ConfigPath)
		},
	}
}
