package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loykin/dbnest/internal/config"
	"github.com/loykin/dbnest/internal/events"
	eventsfactory "github.com/loykin/dbnest/internal/events/factory"
	"github.com/loykin/dbnest/internal/logger"
	"github.com/loykin/dbnest/internal/manager"
	"github.com/loykin/dbnest/internal/metrics"
	"github.com/loykin/dbnest/internal/server"
	storefactory "github.com/loykin/dbnest/internal/store/factory"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dbnest daemon",
		Long: `Run the supervisor daemon: reconcile leftover state, optionally
auto-start flagged instances, and serve the lifecycle API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags.ConfigPath)
		},
	}
}

func runServe(cfgPath string) error {
	fc, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logger.Setup(fc.Log)

	if err := os.MkdirAll(fc.BaseDir, 0o750); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	lock := flock.New(filepath.Join(fc.BaseDir, "dbnest.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire base dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another dbnest daemon already manages %s", fc.BaseDir)
	}
	defer func() { _ = lock.Unlock() }()

	ctx := context.Background()
	st, err := storefactory.NewFromDSN(fc.EffectiveStoreDSN())
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("prepare record store: %w", err)
	}

	sink, closeSinks := buildSinks(fc, log)
	defer closeSinks()

	mgr := manager.New(manager.Config{
		BaseDir:         fc.BaseDir,
		EnginePorts:     fc.EnginePorts(),
		ChildLog:        fc.ChildLog,
		InitTimeout:     fc.Lifecycle.InitTimeout,
		StopTimeout:     fc.Lifecycle.StopTimeout,
		InterStartDelay: fc.Lifecycle.InterStartDelay,
	}, st, sink, manager.WithLogger(log))

	genv, err := fc.GlobalEnv()
	if err != nil {
		return fmt.Errorf("compose global env: %w", err)
	}
	for _, kv := range genv {
		if i := strings.IndexByte(kv, '='); i > 0 {
			mgr.Env().Set(kv[:i], kv[i+1:])
		}
	}

	// Last defense: never exit leaving engine processes behind.
	defer func() {
		if r := recover(); r != nil {
			log.Error("daemon panic, tearing everything down", "panic", r)
			mgr.KillAll(context.Background())
			panic(r)
		}
	}()

	if err := mgr.ReconcileOnStartup(ctx); err != nil {
		log.Warn("startup reconciliation failed", "err", err)
	}
	if fc.Lifecycle.AutoStart {
		go func() {
			if _, err := mgr.AutoStart(context.Background()); err != nil {
				log.Error("auto-start pass failed", "err", err)
			}
		}()
	}
	mgr.StartSweeper(fc.Lifecycle.ReapInterval)

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(mgr, fc.Server.BasePath)
	samplerCtx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()
	if fc.Metrics.Enabled {
		mh, err := metrics.Handler()
		if err != nil {
			return fmt.Errorf("metrics registry: %w", err)
		}
		router.Mount(func(g *gin.RouterGroup) {
			g.GET("/metrics", gin.WrapH(mh))
		})
		go metrics.NewSampler(mgr.RunningTargets, fc.Metrics.SampleInterval, log).Run(samplerCtx)
	}

	srv := server.NewServer(fc.Server.Listen, router)
	log.Info("daemon listening", "addr", fc.Server.Listen, "base_dir", fc.BaseDir)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	done := make(chan struct{})
	go func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shCtx)
		_ = srv.Shutdown(shCtx)
		close(done)
	}()
	select {
	case <-done:
	case sig = <-sigCh:
		// Second signal: stop waiting, take everything down hard.
		log.Warn("second signal, killing all engine processes", "signal", sig.String())
		mgr.KillAll(context.Background())
		_ = srv.Close()
	}
	return nil
}

// buildSinks composes the event pipeline: structured logs always, plus
// every configured sink, plus a default sqlite event log under the base
// dir when no queryable sink was configured (so the events API works
// out of the box).
func buildSinks(fc config.FileConfig, log *slog.Logger) (events.Sink, func()) {
	var sinks []events.Sink
	var closers []func()

	for _, dsn := range fc.Events.Sinks {
		s, err := eventsfactory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("skipping event sink", "dsn", dsn, "err", err)
			continue
		}
		sinks = append(sinks, s)
		if c, ok := s.(interface{ Close() error }); ok {
			closers = append(closers, func() { _ = c.Close() })
		}
	}

	hasRecorder := false
	for _, s := range sinks {
		if _, ok := s.(events.Recorder); ok {
			hasRecorder = true
			break
		}
	}
	if !hasRecorder {
		dsn := "sqlite://" + filepath.Join(fc.BaseDir, "events.db")
		if s, err := eventsfactory.NewSinkFromDSN(dsn); err == nil {
			sinks = append(sinks, s)
			if c, ok := s.(interface{ Close() error }); ok {
				closers = append(closers, func() { _ = c.Close() })
			}
		} else {
			log.Warn("event log unavailable", "dsn", dsn, "err", err)
		}
	}
	sinks = append(sinks, &events.SlogSink{})

	return events.NewMulti(sinks...), func() {
		for _, c := range closers {
			c()
		}
	}
}
