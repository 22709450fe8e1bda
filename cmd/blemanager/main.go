package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	flag "github.com/spf13/pflag"

	"github.com/chaz8081/blemanager/internal/autoscan"
	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/central"
	"github.com/chaz8081/blemanager/internal/config"
	"github.com/chaz8081/blemanager/internal/connection"
	"github.com/chaz8081/blemanager/internal/httpapi"
	"github.com/chaz8081/blemanager/internal/logging"
	"github.com/chaz8081/blemanager/internal/scan"
	"github.com/chaz8081/blemanager/internal/tracing"
	"github.com/chaz8081/blemanager/internal/tui"
)

func main() {
	// CLI flags
	configPath := flag.StringP("config", "c", "", "path to config file (default: ~/.config/blemanager/config.yaml)")
	headless := flag.Bool("headless", false, "run without the terminal UI until SIGINT/SIGTERM")
	httpAddr := flag.String("http", "", "serve the HTTP API on this address (overrides http.addr)")
	initCfg := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initCfg {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if flag.CommandLine.Changed("http") {
		cfg.HTTP.Addr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	// The TUI owns the terminal, so console logging moves to a file.
	if !*headless && isConsole(cfg.Log.Output) {
		cfg.Log.Output = filepath.Join(config.DefaultConfigDir(), "blemanager.log")
		if err := os.MkdirAll(filepath.Dir(cfg.Log.Output), 0755); err != nil {
			log.Fatalf("log dir: %v", err)
		}
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("config loaded", "source", source)

	if err := run(cfg, *headless, logger); err != nil {
		logger.Error("exiting", "error", err)
		closeLog()
		log.Fatalf("blemanager: %v", err)
	}
}

func run(cfg *config.Config, headless bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Spans share the log file while the TUI owns the terminal.
	var traceOut io.Writer
	if !headless && cfg.Tracing.Enabled && cfg.Tracing.Exporter == "stdout" {
		f, err := os.OpenFile(cfg.Log.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("trace output: %w", err)
		}
		defer f.Close()
		traceOut = f
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, traceOut)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if headless {
		printBanner(cfg)
	}

	adapter := ble.WithBreaker(ble.NewTinyGoAdapter(logger), ble.BreakerSettings{
		MaxFailures: cfg.Connection.Breaker.MaxFailures,
		Cooldown:    cfg.Connection.Breaker.Cooldown,
	}, logger)

	c := central.New(adapter, central.Options{
		Adapter: ble.StartOptions{ShowAlert: cfg.Adapter.ShowAlert},
		Scan: scan.Options{
			ServiceUUIDs:    cfg.Scan.ServiceUUIDs,
			Duration:        cfg.Scan.Duration,
			AllowDuplicates: cfg.Scan.AllowDuplicates,
			WatchdogGrace:   cfg.Scan.WatchdogGrace,
		},
		Connection: connection.Options{
			SettleDelay: cfg.Connection.SettleDelay,
			Timeout:     cfg.Connection.Timeout,
		},
	}, logger)
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("%w\n\nCheck that Bluetooth is powered on and this process may use it", err)
	}

	if cfg.HTTP.Addr != "" {
		srv := httpapi.NewServer(cfg.HTTP.Addr, c, httpapi.RateLimit{
			PerSecond: cfg.HTTP.ActionsPerSecond,
			Burst:     cfg.HTTP.ActionBurst,
		}, logger)
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("http shutdown failed", "error", err)
			}
		}()
	}

	if cfg.AutoScan.Schedule != "" {
		sched, err := autoscan.New(cfg.AutoScan.Schedule, c, logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if !headless {
		return tui.Run(ctx, c)
	}

	if _, err := c.RequestScan(ctx); err != nil {
		logger.Warn("initial scan failed", "error", err)
	}
	notifySystemd(logger, daemon.SdNotifyReady)
	log.Println("Ready! Ctrl+C to quit.")
	<-ctx.Done()
	notifySystemd(logger, daemon.SdNotifyStopping)
	log.Println("Shutting down...")
	return nil
}

// notifySystemd reports service state when running under a systemd unit
// with Type=notify. Outside systemd it does nothing.
func notifySystemd(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also reports where
// the config came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	return config.Default(), "defaults", nil
}

func isConsole(output string) bool {
	switch strings.ToLower(output) {
	case "", "stderr", "stdout":
		return true
	}
	return false
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	services := "all"
	if len(cfg.Scan.ServiceUUIDs) > 0 {
		services = strings.Join(cfg.Scan.ServiceUUIDs, ",")
	}
	httpAddr := "off"
	if cfg.HTTP.Addr != "" {
		httpAddr = cfg.HTTP.Addr
	}
	autoScan := "off"
	if cfg.AutoScan.Schedule != "" {
		autoScan = cfg.AutoScan.Schedule
	}

	fmt.Println("=== blemanager ===")
	fmt.Printf("  Scan:     %s, services: %s, duplicates: %t\n", cfg.Scan.Duration, services, cfg.Scan.AllowDuplicates)
	fmt.Printf("  Connect:  settle %s, timeout %s, breaker %d/%s\n",
		cfg.Connection.SettleDelay, cfg.Connection.Timeout,
		cfg.Connection.Breaker.MaxFailures, cfg.Connection.Breaker.Cooldown)
	fmt.Printf("  AutoScan: %s\n", autoScan)
	fmt.Printf("  HTTP:     %s\n", httpAddr)
	fmt.Printf("  Log:      %s (%s)\n", cfg.Log.Level, cfg.Log.Output)
	fmt.Println("==================")
}
