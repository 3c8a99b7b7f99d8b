// Command hublink-device is a reference device built on hublink-go.
//
// It provisions through the device provisioning service (reusing a cached
// assignment unless --force is given), connects to the assigned hub and
// keeps the connection up, reports its configuration to the device twin,
// follows the "telemetryInterval" desired property and sends periodic
// telemetry. Both services are in-process simulators on a memory
// transport, so the command runs without network access.
//
// Usage:
//
//	hublink-device [flags]
//
// Examples:
//
//	# Provision and send telemetry every 5s
//	hublink-device --interval 5s
//
//	# Throttled registration, debug logs and a protocol capture
//	hublink-device --force --sim-throttle 2 --log-level debug --capture device.hlog
//
//	# Interactive shell
//	hublink-device -i
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hublink/hublink-go/cmd/hublink-device/interactive"
	hlog "github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var logOut io.Writer = os.Stderr
	var shell *interactive.Shell
	if cfg.Interactive {
		if shell, err = interactive.New(); err != nil {
			return err
		}
		defer shell.Close()
		logOut = shell.Stderr()
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	logger.Info("hublink-device starting", "version", version.Library, "registration_id", cfg.RegistrationID)

	plog, closeCapture, err := protocolLogger(cfg, logger, level)
	if err != nil {
		return err
	}
	defer closeCapture()

	dev, err := newDevice(cfg, logger, plog)
	if err != nil {
		return err
	}

	reg, err := dev.provision(ctx, cfg.Force)
	if err != nil {
		return err
	}
	if err := dev.connect(ctx, reg); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		dev.close(closeCtx)
	}()

	if err := dev.syncTwin(ctx); err != nil {
		logger.Warn("twin sync failed", "error", err)
	}
	go dev.watchDesired(ctx)
	go dev.runTelemetry(ctx)

	if shell != nil {
		shell.Run(ctx, cancel, dev)
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down", "messages_sent", dev.sent.Load())
	return nil
}

// protocolLogger builds the capture sink: a file when --capture is set and
// the debug log at debug level.
func protocolLogger(cfg Config, logger *slog.Logger, level slog.Level) (hlog.Logger, func(), error) {
	var sinks []hlog.Logger
	closeFn := func() {}

	if cfg.CapturePath != "" {
		fl, err := hlog.NewFileLogger(cfg.CapturePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open capture file: %w", err)
		}
		sinks = append(sinks, fl)
		closeFn = func() { _ = fl.Close() }
		logger.Info("protocol capture enabled", "path", fl.Path())
	}
	if level <= slog.LevelDebug {
		sinks = append(sinks, hlog.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return sinks[0], closeFn, nil
	}
	return hlog.NewMultiLogger(sinks...), closeFn, nil
}
