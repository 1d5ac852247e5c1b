//go:build linux

// vdm is a user-space virtio device model: it exposes virtio-mmio devices
// over a register file, runs their queues on an in-process event loop or
// hands them to kernel vhost or external vhost-user backends, and supervises
// the lot until shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vdm/internal/config"
	"github.com/tinyrange/vdm/internal/reactor"
	"github.com/tinyrange/vdm/internal/virtio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vdm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the device configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}
	if err := setupLogging(*logLevel, *logJSON); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	r, err := reactor.New()
	if err != nil {
		return err
	}

	vm, err := build(cfg, r)
	if err != nil {
		r.Close()
		return err
	}

	srv, err := virtio.NewBusServer(cfg.MMIOSocket, vm.bus, slog.Default())
	if err != nil {
		vm.Close()
		r.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if vm.stack != nil {
		stack := vm.stack
		g.Go(func() error {
			return stack.Run(ctx)
		})
	}

	slog.Info("device model running", "devices", len(vm.devices))
	<-ctx.Done()
	slog.Info("shutting down")

	// Teardown order: the MMIO ingress stops first so no new accesses land,
	// then devices release their dataplanes, the loop and stack stop, and
	// guest memory unmaps.
	var firstErr error
	if err := srv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		firstErr = err
	}
	for _, d := range vm.devices {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
		firstErr = err
	}
	if err := vm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func setupLogging(level string, asJSON bool) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
