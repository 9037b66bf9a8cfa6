// Command recorder attaches the sched_switch tracepoint probe, drains
// its ring buffer, and publishes enriched scheduling events to the
// wait-free shared log an external visualizer reads live.
//
// Adapted from the teacher's cmd/probe/main.go: the rlimit/link/ringbuf
// wiring and signal-driven shutdown survive; the gRPC plan service,
// Socket.IO bridge, and economic-barrier worker pool do not, since
// nothing in this pipeline needs them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/schedrec/internal/config"
	"github.com/ocx/schedrec/internal/identity"
	"github.com/ocx/schedrec/internal/metrics"
	"github.com/ocx/schedrec/internal/ringconsumer"
	"github.com/ocx/schedrec/internal/schedprobe"
	"github.com/ocx/schedrec/internal/sharedlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Get()
	setupLogging(cfg.Logging.Level)

	probe, err := schedprobe.Attach()
	if err != nil {
		slog.Error("recorder: attaching kernel probe", "error", err)
		return 1
	}
	defer probe.Close()

	logRegion, err := sharedlog.Create(cfg.Recorder.RegionPath, cfg.Recorder.RegionSizeBytes)
	if err != nil {
		slog.Error("recorder: creating shared log", "error", err, "path", cfg.Recorder.RegionPath)
		return 1
	}

	var exitFlag atomic.Bool
	sink := metrics.NewMetrics()
	resolver := identity.NewWithRoot(cfg.Identity.ProcRoot)
	publisher := sharedlog.NewPublisher(logRegion, resolver, cfg.Recorder.CacheCapacity, sink, &exitFlag)
	consumer := ringconsumer.New(
		probe.Reader,
		publisher,
		&exitFlag,
		time.Duration(cfg.Recorder.PollTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Recorder.IdlePacingSec)*time.Second,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		exitFlag.Store(true)
		probe.Reader.Close() // unblocks a Read() the consumer loop is parked in.
	}()

	var diagServer *http.Server
	if cfg.Metrics.Enabled {
		diagServer = startDiagnosticsServer(cfg.Metrics.ListenAddr)
		defer shutdownDiagnosticsServer(diagServer)
	}

	slog.Info("recorder: running", "region_path", cfg.Recorder.RegionPath, "region_size_bytes", cfg.Recorder.RegionSizeBytes)

	runErr := consumer.Run()
	preShutdownState := publisher.State()

	if shutdownErr := publisher.Shutdown(); shutdownErr != nil {
		slog.Error("recorder: shared log shutdown", "error", shutdownErr)
	}

	switch {
	case runErr != nil:
		return 1
	case preShutdownState == sharedlog.StateShuttingDown && ctx.Err() == nil:
		// Region filled or a fatal append error occurred without a signal.
		return 1
	default:
		return 0
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func startDiagnosticsServer(addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("recorder: diagnostics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownDiagnosticsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
