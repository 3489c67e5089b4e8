// PulseKiosk runs an unattended heart-rate measuring kiosk.
//
// It keeps a BLE heart-rate strap connected, listens for visitor
// presence over MQTT, measures one stable pulse per visit and submits it
// to the assignment API for the visitor it was handed. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	pulsekiosk serve             Run the kiosk
//	pulsekiosk init [dir]        Write an example config into dir
//	pulsekiosk replay            Submit held measurements and exit
//	pulsekiosk pending           List held measurements
//	pulsekiosk version           Print version and build information
//	pulsekiosk -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/pulsekiosk/internal/assignment"
	"github.com/nugget/pulsekiosk/internal/ble"
	"github.com/nugget/pulsekiosk/internal/buildinfo"
	"github.com/nugget/pulsekiosk/internal/config"
	"github.com/nugget/pulsekiosk/internal/connwatch"
	"github.com/nugget/pulsekiosk/internal/devicelink"
	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/mqtt"
	"github.com/nugget/pulsekiosk/internal/pending"
	"github.com/nugget/pulsekiosk/internal/scan"
	"github.com/nugget/pulsekiosk/internal/statusapi"
)

// shutdownTimeout bounds the final state report, the broker goodbye and
// the status server drain.
const shutdownTimeout = 5 * time.Second

// linkEventBuffer is sized so the orchestrator never misses a
// connection change behind a burst of readings.
const linkEventBuffer = 256

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error. Arguments are parsed by hand so run can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "replay":
		return runReplay(ctx, stdout, stderr, configPath, outputFmt)
	case "pending":
		return runPending(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "PulseKiosk - unattended heart-rate kiosk")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pulsekiosk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the kiosk")
	fmt.Fprintln(w, "  init [dir]   Write an example config and data directory (default: .)")
	fmt.Fprintln(w, "  replay       Submit held measurements and exit")
	fmt.Fprintln(w, "  pending      List held measurements")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/pulsekiosk/config.yaml, /etc/pulsekiosk/config.yaml")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting PulseKiosk", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"peripheral", cfg.Peripheral.Address,
		"device_id", cfg.Assignment.DeviceID,
		"broker", cfg.MQTT.Broker,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Held measurements ---
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.Count(ctx); err != nil {
		return fmt.Errorf("count held measurements: %w", err)
	} else if n > 0 {
		logger.Warn("held measurements waiting for replay", "count", n)
	}

	bus := events.New[events.Event]()

	// --- Broker: presence in, gauges out ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(store)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)
	broker := mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))

	// --- Assignment API ---
	api := newAssignmentClient(cfg, logger)
	outbox := assignment.NewOutbox(assignment.OutboxConfig{
		API:    api,
		Store:  store,
		Bus:    bus,
		Gauges: broker,
		Logger: logger.With("component", "outbox"),
	})

	// The broker and the outbox outlive the kiosk loop so the final
	// state report and the offline announcement still go out.
	svcCtx, svcCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer svcCancel()
	var svc errgroup.Group
	svc.Go(func() error { return broker.Start(svcCtx) })
	svc.Go(func() error { return outbox.Run(svcCtx) })

	// --- Peripheral ---
	adapter, err := ble.NewAdapter(cfg.Peripheral.StaleAfter(), logger)
	if err != nil {
		svcCancel()
		_ = svc.Wait()
		return err
	}
	link := devicelink.New(adapter, devicelink.Config{
		Address:        cfg.Peripheral.Address,
		ProbeInterval:  cfg.Peripheral.ProbeInterval(),
		ReconnectDelay: cfg.Peripheral.ReconnectDelay(),
		ConnectTimeout: cfg.Peripheral.ConnectTimeout(),
		Logger:         logger.With("component", "link"),
	})
	linkEvents := link.Subscribe(linkEventBuffer)
	defer link.Unsubscribe(linkEvents)

	// --- Scan orchestrator ---
	orch := scan.New(scanConfig(cfg.Scan), scan.Options{
		Users:    api,
		Reporter: outbox,
		Gauges:   broker,
		Bus:      bus,
		Logger:   logger.With("component", "scan"),
	})

	// --- Health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	announce := func(s connwatch.ServiceStatus) {
		bus.Publish(events.Event{
			Timestamp: s.LastCheck,
			Source:    events.SourceHealth,
			Kind:      events.KindService,
			Data:      map[string]any{"service": s.Name, "ready": s.Ready, "error": s.LastError},
		})
	}
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "assignment",
		Probe:    api.Ping,
		OnChange: announce,
		Logger:   logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "mqtt",
		Probe:    broker.AwaitConnection,
		OnChange: announce,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx, broker.Presence(), linkEvents) })

	// --- Status server ---
	if cfg.Status.Port > 0 {
		status := statusapi.New(statusapi.Config{
			Address: cfg.Status.Address,
			Port:    cfg.Status.Port,
			Scan:    orch,
			Link:    link,
			Health:  connMgr,
			Pending: store,
			Bus:     bus,
			Logger:  logger.With("component", "statusapi"),
		})
		g.Go(func() error { return status.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return status.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	if err := link.Close(); err != nil {
		logger.Debug("peripheral close failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stopCancel()
	if err := outbox.Flush(stopCtx); err != nil {
		logger.Warn("outbox did not drain before shutdown", "queued", outbox.Len(), "error", err)
	}
	if err := broker.Stop(stopCtx); err != nil {
		logger.Debug("mqtt shutdown failed", "error", err)
	}
	svcCancel()
	if err := svc.Wait(); err != nil {
		logger.Error("background service failed", "error", err)
	}

	if errors.Is(runErr, scan.ErrOutOfService) {
		return fmt.Errorf("kiosk stopped: %w", runErr)
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	logger.Info("PulseKiosk stopped")
	return nil
}

// runReplay submits every held measurement once and reports how many
// went through. Logs go to stderr so stdout stays parseable.
func runReplay(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	outbox := assignment.NewOutbox(assignment.OutboxConfig{
		API:    newAssignmentClient(cfg, logger),
		Store:  store,
		Logger: logger,
	})
	sent, replayErr := outbox.Replay(ctx)
	left, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count held measurements: %w", err)
	}

	if outputFmt == "json" {
		out := map[string]any{"sent": sent, "remaining": left}
		if replayErr != nil {
			out["error"] = replayErr.Error()
		}
		if err := json.NewEncoder(stdout).Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "sent %d, %d still held\n", sent, left)
	}

	if replayErr != nil {
		return fmt.Errorf("replay stopped: %w", replayErr)
	}
	return nil
}

// runPending lists held measurements oldest first.
func runPending(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	held, err := store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list held measurements: %w", err)
	}
	return writePending(stdout, held, outputFmt)
}

// pendingJSON is the machine-readable form of one held measurement.
type pendingJSON struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Value      int             `json:"value"`
	RGB        json.RawMessage `json:"rgb,omitempty"`
	MeasuredAt time.Time       `json:"measured_at"`
	HeldAt     time.Time       `json:"held_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

func writePending(w io.Writer, held []pending.Measurement, outputFmt string) error {
	if outputFmt == "json" {
		out := make([]pendingJSON, 0, len(held))
		for _, m := range held {
			p := pendingJSON{
				ID:         m.ID,
				SessionID:  m.SessionID,
				UserID:     m.UserID,
				Value:      m.Value,
				MeasuredAt: m.MeasuredAt,
				HeldAt:     m.HeldAt,
				Attempts:   m.Attempts,
				LastError:  m.LastError,
			}
			if json.Valid([]byte(m.RGB)) {
				p.RGB = json.RawMessage(m.RGB)
			}
			out = append(out, p)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(held) == 0 {
		fmt.Fprintln(w, "no held measurements")
		return nil
	}
	fmt.Fprintf(w, "%-4s %-26s %-24s %5s %8s  %s\n", "ID", "MEASURED", "USER", "BPM", "ATTEMPTS", "LAST ERROR")
	for _, m := range held {
		fmt.Fprintf(w, "%-4d %-26s %-24s %5d %8d  %s\n",
			m.ID, m.MeasuredAt.Format(time.RFC3339), m.UserID, m.Value, m.Attempts, m.LastError)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Already validated by config.Load.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

func openStore(cfg *config.Config) (*pending.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := pending.NewStore(cfg.PendingDBPath())
	if err != nil {
		return nil, fmt.Errorf("open held-measurement database %s: %w", cfg.PendingDBPath(), err)
	}
	return store, nil
}

func newAssignmentClient(cfg *config.Config, logger *slog.Logger) *assignment.Client {
	a := cfg.Assignment
	return assignment.NewClient(assignment.Config{
		UsersEndpoint:   a.UsersEndpoint,
		DevicesEndpoint: a.DevicesEndpoint,
		DeviceID:        a.DeviceID,
		Timeout:         a.Timeout(),
		Retries:         a.Retries,
		RetryDelay:      a.RetryDelay(),
		Logger:          logger.With("component", "assignment"),
	})
}

func scanConfig(s config.ScanConfig) scan.Config {
	return scan.Config{
		Countdown:           s.CountdownSeconds,
		ResetOnZero:         *s.ResetCountdownOnZero,
		AbortOnPresenceLoss: *s.AbortOnPresenceLoss,
		Cooldown:            s.CooldownSeconds,
		PresenceMinDwell:    s.PresenceMinDwell(),
	}
}
