package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-vhal/vhal"
	httpapi "github.com/go-vhal/vhal/internal/http"
	"github.com/go-vhal/vhal/internal/server"
	"github.com/go-vhal/vhal/runtime"
	"github.com/go-vhal/vhal/seed"
)

func main() {
	logger := logrus.New()

	driver, err := buildDriver(logger)
	if err != nil {
		logger.Fatalf("failed to build hardware driver: %v", err)
	}

	opts := vhal.DefaultOptions()
	if v := os.Getenv("VHAL_PENDING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.PendingRequestTimeout = d
		}
	}

	e, err := runtime.NewEngine(driver, opts)
	if err != nil {
		logger.Fatalf("failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	diagAddr := envOr("VHAL_DIAGNOSTICS_ADDR", ":8092")
	diagMux := http.NewServeMux()
	diagMux.HandleFunc("/diagnostics", httpapi.DiagnosticsHandler(e))
	diagSrv := &http.Server{Addr: diagAddr, Handler: diagMux}
	go func() {
		logger.Infof("diagnostics API listening on %s", diagAddr)
		if err := diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("diagnostics API error: %v", err)
		}
	}()

	engineAddr := envOr("VHAL_ENGINE_ADDR", ":8091")
	_, errCh, err := server.StartEngineServer(ctx, server.EngineConfig{ListenAddr: engineAddr, Engine: e, Logger: logger})
	if err != nil {
		logger.Fatalf("failed to start engine server: %v", err)
	}
	go func() {
		if err := <-errCh; err != nil {
			logger.Errorf("engine server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Infof("vhal engine running (ws %s, diagnostics %s)", engineAddr, diagAddr)
	<-sigCh
	logger.Info("shutdown signal received; stopping engine")
	cancel()
	_ = diagSrv.Shutdown(context.Background())
	if err := e.Shutdown(); err != nil {
		logger.Errorf("engine shutdown: %v", err)
	}
}

// buildDriver chooses between the bundled in-memory driver and a remote
// hardware daemon: the remote driver when VHAL_HARDWARE_WS_URL is set,
// otherwise the fake driver for local dev.
func buildDriver(logger *logrus.Logger) (runtime.HardwareDriver, error) {
	if wsURL := os.Getenv("VHAL_HARDWARE_WS_URL"); wsURL != "" {
		var auth vhal.AuthStrategy
		if token := os.Getenv("VHAL_HARDWARE_AUTH"); token != "" {
			auth = vhal.StaticAuth{Value: token}
		}
		logger.Infof("using remote hardware driver at %s", wsURL)
		return runtime.NewRemoteHardwareDriver(wsURL, auth), nil
	}

	logger.Info("using bundled fake hardware driver seeded from the fixture HTTP service")
	configs, err := loadSeedConfigs(logger)
	if err != nil {
		return nil, err
	}
	return runtime.NewFakeHardwareDriver(configs), nil
}

func loadSeedConfigs(logger *logrus.Logger) ([]vhal.PropertyConfig, error) {
	seedURL := os.Getenv("VHAL_SEED_URL")
	if seedURL == "" {
		return nil, nil
	}
	client := seed.NewClient(seedURL, nil)
	configs, err := seed.LoadAll(context.Background(), client)
	if err != nil {
		logger.Warnf("seed fixture load failed, starting with an empty property table: %v", err)
		return nil, nil
	}
	return configs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
