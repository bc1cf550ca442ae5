package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"paketd/api"
	"paketd/escrow"
	"paketd/gateway/auth"
	"paketd/gateway/config"
	"paketd/gateway/middleware"
	"paketd/ledger"
	"paketd/notify"
	"paketd/observability/logging"
	"paketd/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to paketd configuration (falls back to PAKETD_CONFIG)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAKETD_ENV"))
	logger := logging.Setup("paketd", env)

	cfg, err := config.Load(config.ResolvePath(cfgPath))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Environment
	}

	store, err := registry.NewStore(cfg.Storage.RegistryPath)
	if err != nil {
		logger.Error("open package registry", "path", cfg.Storage.RegistryPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	nonces, err := auth.NewLevelDBNonceStore(cfg.Storage.NoncePath)
	if err != nil {
		logger.Error("open nonce store", "path", cfg.Storage.NoncePath, "error", err)
		os.Exit(1)
	}
	defer nonces.Close()

	node := ledger.NewRPCClient(cfg.Node.RPCURL, cfg.Node.AuthToken, cfg.Node.Timeout)
	engine := escrow.NewEngine(store, node, logger)

	queue := notify.NewQueue()
	engine.SetEmitter(queue)
	targets := make([]notify.Target, 0, len(cfg.Webhooks))
	for _, hook := range cfg.Webhooks {
		targets = append(targets, notify.Target{
			Name:    hook.Name,
			URL:     hook.URL,
			Secret:  hook.Secret,
			Timeout: hook.Timeout,
		})
	}
	dispatcher := notify.NewDispatcher(queue, targets, logger)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		Burst:         cfg.RateLimit.Burst,
	})

	server := api.NewServer(api.Options{
		Engine:        engine,
		Store:         store,
		Ledger:        node,
		Authenticator: auth.NewAuthenticator(cfg.AuthMode(), nonces),
		Queue:         queue,
		Observability: obs,
		RateLimiter:   limiter,
		Logger:        logger,
		Sandbox:       cfg.Sandbox,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	runCtx, stopDispatcher := context.WithCancel(context.Background())
	go dispatcher.Run(runCtx)

	go func() {
		logger.Info("paketd listening",
			"addr", cfg.ListenAddress,
			"env", env,
			"auth_mode", string(cfg.AuthMode()),
			"sandbox", cfg.Sandbox,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	stopDispatcher()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
