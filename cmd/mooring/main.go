// Command mooring launches the exchange connectivity daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/internal/core"
	"github.com/ferrixlabs/mooring/internal/dispatch"
	"github.com/ferrixlabs/mooring/internal/exchange/bybit"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/governor"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/stream"
	"github.com/ferrixlabs/mooring/internal/telemetry"
	libtelemetry "github.com/ferrixlabs/mooring/lib/telemetry"
)

const (
	defaultConfigPath        = "config/mooring.yaml"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	seedExecutionLimit       = 200
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	symbolsFlag := flag.String("symbols", "BTCUSDT", "comma-separated symbols to track")
	flag.Parse()

	observability.SetLogger(observability.NewLogrusLogger())
	logger := observability.Log()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", observability.F("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("configuration initialised", observability.F("env", string(settings.Environment)))

	meterProvider, shutdownTelemetry, err := libtelemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		logger.Error("init telemetry", observability.F("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.F("error", err.Error()))
		}
	}()
	instruments, err := telemetry.NewInstruments(meterProvider.Meter("mooring"))
	if err != nil {
		logger.Error("init instruments", observability.F("error", err.Error()))
		os.Exit(1)
	}

	diagnostics := observability.NewDiagnostics(256)
	defer diagnostics.Close()

	gov := governor.New(settings.Governor, nil, diagnostics, instruments)
	client := bybit.NewClient(settings.Bybit, nil, gov, nil)

	engine := core.New(settings, core.Options{
		Exchange:      client,
		PublicDialer:  stream.NewWebsocketDialer(),
		PrivateDialer: stream.NewWebsocketDialer(),
		PublicAdapter: func(d *dispatch.Dispatcher) stream.Adapter {
			return bybit.NewPublicAdapter(d, nil, funding.PolicyReject, diagnostics)
		},
		PrivateAdapter: func(d *dispatch.Dispatcher) stream.Adapter {
			return bybit.NewPrivateAdapter(client.Signer(), d, nil, diagnostics)
		},
		Governor:    gov,
		Diagnostics: diagnostics,
		Instruments: instruments,
	})

	if err := engine.Start(ctx); err != nil {
		logger.Error("start core", observability.F("error", err.Error()))
		os.Exit(1)
	}

	symbols := splitSymbols(*symbolsFlag)
	if err := engine.Seed(ctx, symbols, seedExecutionLimit); err != nil {
		logger.Warn("seed caches", observability.F("error", err.Error()))
	}

	for _, symbol := range symbols {
		if err := engine.SubscribePublic(stream.Subscription{Channel: "tickers", Symbol: symbol}); err != nil {
			logger.Warn("subscribe ticker", observability.F("symbol", symbol), observability.F("error", err.Error()))
		}
	}
	if err := engine.SubscribePrivate(stream.Subscription{Channel: "order"}); err != nil {
		logger.Warn("subscribe orders", observability.F("error", err.Error()))
	}
	if err := engine.SubscribePrivate(stream.Subscription{Channel: "execution"}); err != nil {
		logger.Warn("subscribe executions", observability.F("error", err.Error()))
	}

	waitForExit(ctx, engine, logger)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		logger.Error("stop core", observability.F("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// waitForExit blocks until a shutdown signal or a fatal stream error.
func waitForExit(ctx context.Context, engine *core.Core, logger observability.Logger) {
	done := make(chan error, 2)
	for _, ch := range engine.Fatal() {
		go func(ch <-chan error) {
			if err, ok := <-ch; ok {
				done <- err
			}
		}(ch)
	}
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-done:
		logger.Error("fatal stream error", observability.F("error", err.Error()))
	}
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}
