// Package main provides a system-audio loopback recorder: it captures what the
// machine plays through a virtual loopback device, keeps capture bound to the
// right device across topology changes and hands finished recordings off for
// archiving and summarization.
//
// Usage:
//
//	loopback [serve] [--config path/to/config.json]
//	loopback devices
//	loopback route
//	loopback version
//
// If --config is not specified, the recorder uses zwfm-loopback/config.json
// under the user configuration directory.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// Injected at build time via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

func main() {
	// Secrets may come from a .env file in the working directory.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loopback",
		Short:         "Record system audio through a loopback device",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: user config directory)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the recorder with its HTTP and WebSocket API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "devices",
			Short: "List audio devices with their classification",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDevices(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "route",
			Short: "Create the multi-output device and route system audio to the loopback device",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runRoute(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Printf("loopback %s\ncommit: %s\nbuilt: %s\n", Version, Commit, cmp.Or(BuildTime, "unknown"))
			},
		},
	)
	return root
}

// loadConfig resolves the config path, loads it and installs the log handler.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}

	cfg := config.New(path)
	if err := cfg.Load(); err != nil {
		return nil, util.WrapError("load config", err)
	}

	snap := cfg.Snapshot()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: snap.SlogLevel()})))
	slog.Info("using config file", "path", path)
	return cfg, nil
}

// runServe runs the recorder until ctx is canceled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("error releasing audio resources", "error", err)
		}
	}()

	srv := NewServer(cfg, app.session, app.events.Path(), app.version)
	err = app.Run(ctx, srv)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("shutdown complete")
	return err
}

func runDevices(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sys, reg, _, err := newDeviceStack(cfg.Snapshot())
	if err != nil {
		return err
	}

	devices, err := reg.Refresh()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		cmd.Println("No audio devices found.")
		return nil
	}

	in, _ := sys.DefaultInput()
	out, _ := sys.DefaultOutput()
	for _, d := range devices {
		marker := "  "
		switch d.ID {
		case in:
			marker = "> "
		case out:
			marker = "< "
		}
		cmd.Printf("%s%-4d %-40s %s\n", marker, d.ID, d.Name, d.Kind)
	}
	cmd.Println()
	cmd.Println("> default input, < default output")
	if p, ok := reg.Preferred(); ok {
		cmd.Printf("preferred capture device: %s\n", p.Name)
	}
	return nil
}

func runRoute(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sys, reg, aggregates, err := newDeviceStack(cfg.Snapshot())
	if err != nil {
		return err
	}

	devices, err := reg.Refresh()
	if err != nil {
		return err
	}
	routing, err := aggregates.SetupFullRouting(devices, func(loop audio.Device) {
		if err := sys.SetDefaultInput(loop.ID); err != nil {
			slog.Warn("failed to make loopback the default input", "device", loop.Name, "error", err)
		}
	})
	if err != nil {
		return err
	}

	cmd.Printf("system audio now plays through %s and %s\n", routing.Output.Name, routing.Loopback.Name)
	if routing.Destroyed > 0 {
		cmd.Printf("removed %d stale multi-output device(s)\n", routing.Destroyed)
	}
	return nil
}
