package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/streamctl/internal/config"
	"github.com/loykin/streamctl/pkg/client"
)

// checkOnly rejects unknown service names before anything else happens.
func checkOnly(name string) error {
	if name == "" || config.IsKnownService(name) {
		return nil
	}
	return fmt.Errorf("unknown service: %s (known: %s)", name, strings.Join(config.KnownServices, ", "))
}

// apiURL resolves the control API URL: the flag wins, otherwise [control]
// from the config file.
func apiURL(f ClientFlags) (string, error) {
	if f.APIUrl != "" {
		return strings.TrimRight(f.APIUrl, "/"), nil
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Control.Listen)
	if err != nil {
		return "", fmt.Errorf("control.listen %q: %w", cfg.Control.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Control.BasePath, "/"), nil
}

func newClient(ctx context.Context, f ClientFlags) (*client.Client, error) {
	base, err := apiURL(f)
	if err != nil {
		return nil, err
	}
	c := client.New(client.Config{BaseURL: base, Timeout: f.APITimeout})
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("supervisor not reachable at %s - start it first with 'streamctl start'", base)
	}
	return c, nil
}

func runStop(ctx context.Context, f ClientFlags, out io.Writer) error {
	c, err := newClient(ctx, f)
	if err != nil {
		return err
	}
	res, err := c.Stop(ctx, f.Only)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, res)
	}
	if !res.OK {
		_, _ = fmt.Fprintf(out, "%s was not running\n", f.Only)
	}
	return printStatuses(out, res.Services)
}

func runStatus(ctx context.Context, f ClientFlags, out io.Writer) error {
	c, err := newClient(ctx, f)
	if err != nil {
		return err
	}
	sts, err := c.Statuses(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, sts)
	}
	return printStatuses(out, sts)
}

func runHealth(ctx context.Context, f ClientFlags, out io.Writer) error {
	c, err := newClient(ctx, f)
	if err != nil {
		return err
	}
	rep, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rep)
	}
	names := make([]string, 0, len(rep.Services))
	for n := range rep.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		verdict := "unhealthy"
		if rep.Services[n] {
			verdict = "healthy"
		}
		_, _ = fmt.Fprintf(out, "%s: %s\n", n, verdict)
	}
	return nil
}

func printStatuses(out io.Writer, sts []client.ServiceStatus) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tRUNNING\tPID\tPORT\tHEALTH\tSTARTED")
	for _, s := range sts {
		running, pid, port, started := "No", "-", "-", "-"
		if s.Running {
			running = "Yes"
		}
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		if s.Port > 0 {
			port = fmt.Sprint(s.Port)
		}
		if s.StartedAt != nil {
			started = s.StartedAt.Local().Format(time.TimeOnly)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, running, pid, port, s.Health, started)
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
