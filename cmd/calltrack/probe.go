package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkbrsn/calltrack"
	"github.com/jkbrsn/calltrack/internal/config"
	"github.com/jkbrsn/calltrack/internal/probe"
	"github.com/jkbrsn/calltrack/internal/report"
	"github.com/jkbrsn/calltrack/pkg/hdrsink"
	"github.com/jkbrsn/calltrack/pkg/otelsink"
	"github.com/jkbrsn/calltrack/pkg/promsink"
)

const (
	metricsNamespace = "calltrack"
	shutdownTimeout  = 5 * time.Second
)

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "calltrack",
		Short:         "Time outgoing HTTP calls and report their latency, sizes and outcomes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newProbeCommand(stdout, stderr))
	return root
}

func newProbeCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe [flags] <url> [url...]",
		Short: "Send tracked requests to one or more URLs and report what was recorded",
		Example: `  calltrack probe -n 100 -c 4 https://api.example.com/health
  calltrack probe -X POST -H Content-Type=application/json --body '{"ping":true}' https://api.example.com/rpc
  calltrack probe --metrics-addr :9090 --otlp-endpoint localhost:4317 --otlp-insecure https://api.example.com/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, stdout, stderr)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// runProbe wires the tracker to its backends, sends the configured requests and writes the report.
// An interrupted run still reports what was recorded.
func runProbe(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, cfg.LogLevel)

	header, err := cfg.Header()
	if err != nil {
		return err
	}

	collector := hdrsink.New()
	registry := prometheus.NewRegistry()
	prom, err := promsink.New(registry, promsink.Options{Namespace: metricsNamespace})
	if err != nil {
		return err
	}
	backends := []calltrack.Backend{collector, prom}

	tracing, err := otelsink.Init(ctx, otelsink.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush spans")
		}
	}()
	if tracing.Enabled() {
		backends = append(backends, otelsink.New(tracing.Tracer()))
		logger.Info().Msg("exporting call spans over OTLP")
	}

	tracker := calltrack.New(
		calltrack.WithBackend(calltrack.MultiBackend(backends...)),
		calltrack.WithLogger(logger),
		calltrack.WithTTL(cfg.Tracker.TTL),
		calltrack.WithMaxPending(cfg.Tracker.MaxPending),
	)
	defer func() { _ = tracker.Close() }()
	client, err := calltrack.NewClient(tracker, calltrack.ClientTimeouts{Total: cfg.Timeout},
		calltrack.WithCaptureLimit(cfg.Tracker.CaptureLimit))
	if err != nil {
		return err
	}

	runner, err := probe.New(client, probe.Options{
		Targets:     cfg.Targets,
		Method:      cfg.Method,
		Header:      header,
		Body:        cfg.Body,
		Concurrency: cfg.Concurrency,
		Requests:    cfg.Requests,
		Rate:        cfg.Rate,
		Timeout:     cfg.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	var server *http.Server
	var listener net.Listener
	if cfg.MetricsAddr != "" {
		listener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info().Str("addr", listener.Addr().String()).Msg("serving metrics")
	}

	logger.Info().
		Strs("targets", cfg.Targets).
		Int("requests", cfg.Requests).
		Int("concurrency", cfg.Concurrency).
		Msg("starting probe")

	var result probe.Result
	g, gctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(func() error {
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if server != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
		}
		var runErr error
		result, runErr = runner.Run(gctx)
		if runErr != nil {
			logger.Warn().Err(runErr).Msg("probe interrupted")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Pending calls are abandoned, not reported.
	_ = tracker.Close()
	stats := tracker.Stats()
	logger.Debug().
		Int64("started", stats.Started).
		Int64("completed", stats.Completed).
		Int64("failed", stats.Failed).
		Msg("probe finished")

	rep := report.New(result.Sent, result.Errors, result.Duration, collector.Stats(), stats)
	return report.Write(stdout, cfg.Output, rep)
}
