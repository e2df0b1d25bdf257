// Command andee is the Andee voice calendar assistant host.
//
// It wires the calendar store, the tool dispatcher, and the call controller
// together, serves Prometheus metrics, and runs the proactive reminder
// watcher. A call is toggled by pressing Enter; reminders toggle one on
// proactively when an appointment is due.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/andee-ai/andee/internal/calendar"
	"github.com/andee-ai/andee/internal/call"
	"github.com/andee-ai/andee/internal/config"
	"github.com/andee-ai/andee/internal/dispatch"
	"github.com/andee-ai/andee/internal/health"
	"github.com/andee-ai/andee/internal/observe"
	"github.com/andee-ai/andee/pkg/audio/device"
	"github.com/andee-ai/andee/pkg/live"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "andee.yaml", "path to the YAML configuration file")
	seed := flag.Bool("seed", false, "seed the calendar with demo appointments")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "andee: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "andee: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("andee starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model", cfg.Agent.Model,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "andee"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Calendar ──────────────────────────────────────────────────────────────
	store := calendar.NewStore()
	if *seed {
		seedCalendar(store)
	}
	dispatcher := dispatch.New(store, metrics)

	// ── Call controller ───────────────────────────────────────────────────────
	controller := call.New(
		live.Config{
			APIKey:       cfg.Agent.APIKey,
			Model:        cfg.Agent.Model,
			BaseURL:      cfg.Agent.BaseURL,
			Voice:        cfg.Agent.Voice,
			Instructions: cfg.Agent.Instructions,
		},
		device.SilenceOpener(),
		&device.DiscardSink{},
		dispatcher,
		call.WithMetrics(metrics),
		call.WithFrameSize(cfg.Audio.FrameSize),
		call.WithOnStateChange(func(s call.State) {
			slog.Debug("call state", "state", s.String())
		}),
	)

	// ── Reminder watcher ──────────────────────────────────────────────────────
	watcher := calendar.NewWatcher(store, func(ctx context.Context, appt dispatch.Appointment) {
		if controller.State() != call.StateIdle {
			slog.Info("reminder suppressed, call already active", "title", appt.Title)
			return
		}
		if err := controller.Toggle(ctx, call.WithReminder(appt)); err != nil {
			slog.Warn("proactive call failed", "title", appt.Title, "err", err)
		}
	},
		calendar.WithLead(cfg.Reminder.Lead),
		calendar.WithPollInterval(cfg.Reminder.PollInterval),
	)

	// ── Metrics and health endpoints ──────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthHandler := health.New(
		func() string { return controller.State().String() },
		health.Checker{Name: "calendar", Check: func(ctx context.Context) error {
			_, err := store.AppointmentsOn(ctx, time.Now())
			return err
		}},
	)
	healthHandler.Register(mux)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("metrics endpoint listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := watcher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		toggleOnEnter(gctx, controller)
		return nil
	})

	slog.Info("ready — press Enter to toggle a call, Ctrl+C to shut down")

	<-gctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown error", "err", err)
	}
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
	}
	if err := controller.Close(); err != nil {
		slog.Warn("controller close error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// toggleOnEnter toggles the call each time a line arrives on stdin.
func toggleOnEnter(ctx context.Context, controller *call.Controller) {
	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lines:
			if err := controller.Toggle(ctx); err != nil {
				slog.Error("toggle failed", "err", err)
			}
		}
	}
}

// seedCalendar loads a few demo appointments around the current time.
func seedCalendar(store *calendar.Store) {
	now := time.Now()
	for _, a := range []dispatch.Appointment{
		{Title: "Team standup", Start: now.Add(20 * time.Minute), End: now.Add(35 * time.Minute)},
		{Title: "Dentist", Start: now.Add(3 * time.Hour), End: now.Add(4 * time.Hour), Description: "Bring insurance card"},
		{Title: "Gym", Start: now.Add(26 * time.Hour), End: now.Add(27 * time.Hour)},
	} {
		seeded := store.Insert(a)
		slog.Info("seeded appointment", "id", seeded.ID, "title", seeded.Title, "start", seeded.Start)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
