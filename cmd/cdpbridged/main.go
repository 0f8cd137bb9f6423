// Command cdpbridged is the bridge host process: it holds the duplex
// WebSocket server, the CDP session manager, and the tool dispatcher
// described by SPEC_FULL.md. It is deliberately a much smaller CLI than
// the teacher's multi-command daemon — one process, one job, configured
// almost entirely through environment variables and an optional YAML
// file (see pkg/config).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/audit"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/config"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/dispatcher"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/duplex"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/eventbus"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/logging"
	"github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/telemetry"
)

// loadConfigFn is package-var injected so tests can stub config loading,
// matching the teacher's serveLoadConfigFn pattern in cmd/buckley/serve.go.
var loadConfigFn = config.Load

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cdpbridged:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cdpbridged", flag.ContinueOnError)
	browserPort := fs.Int("browser-port", 0, "Chrome remote debugging port (overrides config)")
	wsPort := fs.Int("ws-port", 0, "host WebSocket listen port (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug|info|warn|error (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *browserPort != 0 {
		cfg.BrowserDebugPort = *browserPort
	}
	if *wsPort != 0 {
		cfg.HostWSPort = *wsPort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))

	var tracerProvider *telemetry.TracerProvider
	if cfg.OTelExporterEnabled {
		tracerProvider, err = telemetry.NewTracerProvider("cdpbridge")
		if err != nil {
			return fmt.Errorf("starting tracer provider: %w", err)
		}
	} else {
		telemetry.Noop()
	}

	manager := cdp.NewManager(cfg.BrowserHTTPAddr(), logger, cfg.CommandTimeout)
	defer manager.Close()

	var auditStore *audit.Store
	var auditRecorder dispatcher.AuditRecorder
	if cfg.AuditDBPath != "" {
		auditStore, err = audit.Open(cfg.AuditDBPath, logger.Logger)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer auditStore.Close()
		auditRecorder = auditStore
	}

	var forwarder *eventbus.Forwarder
	if cfg.NATSURL != "" {
		forwarder, err = eventbus.Connect(cfg.NATSURL, logger.Logger)
		if err != nil {
			return fmt.Errorf("connecting to event bus: %w", err)
		}
		defer forwarder.Close()
		manager.SetEventForwarder(forwarder.Forward)
	}

	disp := dispatcher.New(manager, logger, auditRecorder, cfg.EventWaitDefaultTimeout)
	server := duplex.NewServer(fmt.Sprintf(":%d", cfg.HostWSPort), disp, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("cdpbridged starting",
		"browser_addr", cfg.BrowserHTTPAddr(),
		"ws_port", cfg.HostWSPort,
		"audit_enabled", cfg.AuditDBPath != "",
		"eventbus_enabled", cfg.NATSURL != "",
	)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("duplex server: %w", err)
	}

	if tracerProvider != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err.Error())
		}
	}

	return nil
}
