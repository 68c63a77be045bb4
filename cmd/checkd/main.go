package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/checkd/checkd/internal/api"
	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/daemon"
	"github.com/checkd/checkd/internal/logging"
	"github.com/checkd/checkd/internal/version"
)

const usage = `usage: checkd [-config path] [-log-level level] <command> [args]

commands:
  run                         run the daemon
  dry-run                     evaluate every enabled alert once and exit
  reload                      ask the daemon to reload its definitions
  list [-details]             list loaded alerts
  pause [-until t | -for d] <alert>
                              pause an alert (default one week)
  validate <file>             check a definition against the daemon's targets
  send-event [-type t] [-subject s] [-message m] [-json] [key=value ...]
                              ingest an event
  version                     print version information
`

func main() {
	configPath := flag.String("config", "/etc/checkd/checkd.yaml", "Path to daemon configuration")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error), overrides the configuration")
	addr := flag.String("addr", "", "Control API address for client commands, overrides the configuration")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "run", "dry-run":
		err = runDaemon(cmd, *configPath, *logLevel)
	case "reload", "list", "pause", "validate", "send-event":
		err = runClient(cmd, args, clientAddrs(*configPath, *addr))
	case "version":
		fmt.Println("checkd", version.GetFullVersion())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "checkd:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd, configPath, logLevel string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log := logging.New(cfg.Logging, os.Stdout)
	defer log.Close()
	logger := log.Logger

	logger.Info().
		Str("config_path", cfg.Path()).
		Str("mode", cmd).
		Msg("Starting checkd")

	d, err := daemon.New(cfg, logger, daemon.WithLogBuffer(log.Buffer))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd == "dry-run" {
		err = d.DryRun(ctx)
	} else {
		err = d.Run(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("checkd failed")
		return err
	}
	logger.Info().Msg("checkd stopped")
	return nil
}

// clientAddrs returns the addresses client commands try, in order.
func clientAddrs(configPath, override string) []string {
	if override != "" {
		return []string{override}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.DefaultListen
	}
	return cfg.Control.Listen
}

func runClient(cmd string, args []string, addrs []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := api.NewClient(addrs, 2*time.Minute)

	switch cmd {
	case "reload":
		if err := c.Reload(ctx); err != nil {
			return err
		}
		fmt.Println("reloaded")
		return nil
	case "list":
		return list(ctx, c, args, os.Stdout)
	case "pause":
		return pause(ctx, c, args)
	case "validate":
		return validate(ctx, c, args)
	case "send-event":
		return sendEvent(ctx, c, args, os.Stdin)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func list(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	details := fs.Bool("details", false, "include runtime state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	alerts, err := c.List(ctx, *details)
	if err != nil {
		return err
	}
	if *details {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(alerts)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALERT\tKIND\tENABLED\tINTERVAL\tERROR")
	for _, a := range alerts {
		interval := ""
		if a.Interval > 0 {
			interval = a.Interval.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", a.ID, a.Kind, a.Enabled, interval, a.Error)
	}
	return w.Flush()
}

func pause(ctx context.Context, c *api.Client, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	until := fs.String("until", "", "pause until this RFC3339 time")
	forDur := fs.String("for", "", "pause for this duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("pause needs exactly one alert")
	}
	alert := fs.Arg(0)
	// a path that exists locally is sent as an absolute identity
	if _, err := os.Stat(alert); err == nil {
		if abs, err := filepath.Abs(alert); err == nil {
			alert = abs
		}
	}
	resp, err := c.Pause(ctx, api.PauseRequest{Alert: alert, Until: *until, For: *forDur})
	if err != nil {
		return err
	}
	fmt.Printf("%s paused until %s\n", resp.Alert, resp.PausedUntil.Local().Format(time.RFC3339))
	return nil
}

func validate(ctx context.Context, c *api.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("validate needs exactly one file")
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	resp, err := c.Validate(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%s, every %s, targets %s)\n", resp.Alert, resp.Kind, resp.Interval, strings.Join(resp.Targets, ", "))
	return nil
}

func sendEvent(ctx context.Context, c *api.Client, args []string, stdin io.Reader) error {
	payload, err := eventPayload(args, stdin)
	if err != nil {
		return err
	}
	resp, err := c.SendEvent(ctx, payload)
	if err != nil {
		return err
	}
	switch {
	case len(resp.Matched) > 0:
		fmt.Printf("matched %s, notified: %t\n", strings.Join(resp.Matched, ", "), resp.Notified)
	default:
		fmt.Printf("%s, notified: %t\n", resp.Identity, resp.Notified)
	}
	return nil
}

func eventPayload(args []string, stdin io.Reader) (map[string]any, error) {
	fs := flag.NewFlagSet("send-event", flag.ContinueOnError)
	eventType := fs.String("type", "", "event type")
	subject := fs.String("subject", "", "notification subject")
	message := fs.String("message", "", "notification message")
	fromStdin := fs.Bool("json", false, "read a JSON object from stdin")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if *fromStdin {
		if err := json.NewDecoder(stdin).Decode(&payload); err != nil {
			return nil, fmt.Errorf("reading event from stdin: %w", err)
		}
	}
	for _, kv := range fs.Args() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", kv)
		}
		payload[k] = v
	}
	if *eventType != "" {
		payload["type"] = *eventType
	}
	if *subject != "" {
		payload["subject"] = *subject
	}
	if *message != "" {
		payload["message"] = *message
	}
	return payload, nil
}
