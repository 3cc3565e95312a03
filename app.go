package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-loopback/internal/aggregate"
	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
	"github.com/oszuidwest/zwfm-loopback/internal/notify"
	"github.com/oszuidwest/zwfm-loopback/internal/recording"
	"github.com/oszuidwest/zwfm-loopback/internal/registry"
	"github.com/oszuidwest/zwfm-loopback/internal/session"
)

const shutdownTimeout = 30 * time.Second

// app holds the wired components of a running recorder.
type app struct {
	cfg      *config.Config
	backend  *capture.MalgoBackend
	events   *eventlog.Logger
	notifier *notify.Notifier
	uploader *recording.Uploader
	cleaner  *recording.Cleaner
	session  *session.Session
	version  *VersionChecker
}

// newDeviceStack builds the OS boundary with its registry and aggregate manager.
func newDeviceStack(snap config.Snapshot) (hal.System, *registry.Registry, *aggregate.Manager, error) {
	sys, err := hal.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audio system: %w", err)
	}

	classifier := audio.NewClassifier(audio.DefaultRules(snap.LoopbackKeywords...), snap.BuiltInKeywords)
	reg := registry.New(sys, classifier)
	aggregates := aggregate.New(sys, classifier, aggregate.Options{
		DisplayName: snap.AggregateName,
		SettleDelay: snap.RoutingSettle,
	})
	return sys, reg, aggregates, nil
}

// newApp wires every component from cfg. Close releases what it opened.
func newApp(cfg *config.Config) (*app, error) {
	snap := cfg.Snapshot()

	sys, reg, aggregates, err := newDeviceStack(snap)
	if err != nil {
		return nil, err
	}

	backend, err := capture.NewMalgoBackend()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, backend: backend}

	events, err := eventlog.NewLogger(cmp.Or(snap.EventLogPath, eventlog.DefaultLogPath()))
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.events = events

	paths, err := recording.NewPaths(snap.RecordingDir)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	var storage recording.Storage
	if snap.HasS3() {
		s3, err := recording.NewS3Storage(&snap.S3)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		storage = s3
	}

	summarizer, err := recording.NewSummarizer(&snap.Summary)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	a.uploader = recording.NewUploader(recording.UploaderOptions{
		Storage:    storage,
		Prefix:     snap.S3.Prefix,
		Summarizer: summarizer,
		Events:     events,
	})
	a.notifier = notify.New(cfg)
	a.version = NewVersionChecker(a.notifier)

	engine := capture.NewEngine(backend, capture.Options{MinViableBytes: snap.MinRecordingBytes})

	a.session = session.New(session.Deps{
		System:     sys,
		Registry:   reg,
		Aggregates: aggregates,
		Engine:     engine,
		Paths:      paths,
		Uploader:   a.uploader,
		Advisor:    a.notifier,
		Events:     events,
	}, session.Options{
		PreferredDevice:  snap.PreferredDevice,
		SettleDelay:      snap.SettleDelay,
		ResumeDelay:      snap.ResumeDelay,
		HealthCheckDelay: snap.HealthCheckDelay,
		MonitorWhenIdle:  snap.MonitorWhenIdle,
		OnSelect: func(d audio.Device) {
			if err := cfg.SetPreferredDevice(d.Name); err != nil {
				slog.Warn("failed to save preferred device", "device", d.Name, "error", err)
			}
		},
	})

	a.cleaner = recording.NewCleaner(recording.CleanerOptions{
		Dir:           paths.Dir(),
		Storage:       storage,
		Prefix:        snap.S3.Prefix,
		RetentionDays: snap.RetentionDays,
		Events:        events,
		InUse: func(path string) bool {
			return path == a.session.Status().RecordingPath
		},
	})

	return a, nil
}

// Run runs the session, the upload worker, the cleaner, the release check and
// srv until ctx is canceled or one of them fails.
func (a *app) Run(ctx context.Context, srv *Server) error {
	g, ctx := errgroup.WithContext(ctx)

	goCaptureAndUploads(ctx, g, a.session, a.uploader)
	g.Go(func() error {
		return a.cleaner.Run(ctx)
	})
	g.Go(func() error {
		return a.version.Run(ctx)
	})

	httpServer := srv.HTTPServer()
	g.Go(func() error {
		slog.Info("starting web server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.notifier.Wait()
	return err
}

// runner works until its context is canceled.
type runner interface {
	Run(ctx context.Context) error
}

// goCaptureAndUploads starts sess and up on g. up is canceled only after sess
// has returned, so the recording finalized at shutdown still reaches it.
func goCaptureAndUploads(ctx context.Context, g *errgroup.Group, sess, up runner) {
	upCtx, stopUploads := context.WithCancel(context.WithoutCancel(ctx))
	g.Go(func() error {
		defer stopUploads()
		return sess.Run(ctx)
	})
	g.Go(func() error {
		return up.Run(upCtx)
	})
}

// Close releases the capture context and the event log.
func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	errs = append(errs, a.events.Close())
	return errors.Join(errs...)
}
