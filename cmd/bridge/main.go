package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidemail/bridge/config"
	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/logger"
	"github.com/tidemail/bridge/pkg/circuitbreaker"
	"github.com/tidemail/bridge/pkg/retry"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
	"github.com/tidemail/bridge/server/httpapi"
	"github.com/tidemail/bridge/server/imapgw"
	"github.com/tidemail/bridge/server/smtpgw"
	"github.com/tidemail/bridge/server/sweeper"
	"github.com/tidemail/bridge/sessionstore"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(logger.Config{
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	imapStore, smtpStore, redisClient, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatalf("session store unavailable: %v", err)
	}
	defer imapStore.Close()
	defer smtpStore.Close()

	sessionTTL, err := cfg.SessionStore.GetDefaultTTL()
	if err != nil {
		logger.Fatalf("invalid session TTL: %v", err)
	}
	connectTimeout, err := cfg.Pool.GetConnectTimeout()
	if err != nil {
		logger.Fatalf("invalid connect timeout: %v", err)
	}

	reg, err := openRegistry(cfg, redisClient)
	if err != nil {
		logger.Fatalf("failed to initialize inbox registry: %v", err)
	}

	onBreakerChange := func(name string, from, to circuitbreaker.State) {
		logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
	}
	imapPool := pool.New(
		imapgw.NewFactory(circuitbreaker.New(circuitbreaker.UpstreamSettings("imap-upstream", onBreakerChange))),
		imapStore,
		pool.Options{
			Protocol:       "imap",
			Capacity:       cfg.Pool.MaxConnections,
			SessionTTL:     sessionTTL,
			ConnectTimeout: connectTimeout,
		})
	smtpPool := pool.New(
		smtpgw.NewFactory(circuitbreaker.New(circuitbreaker.UpstreamSettings("smtp-upstream", onBreakerChange))),
		smtpStore,
		pool.Options{
			Protocol:       "smtp",
			Capacity:       cfg.Pool.MaxConnections,
			SessionTTL:     sessionTTL,
			ConnectTimeout: connectTimeout,
		})

	errChan := make(chan error, 1)
	go httpapi.Start(ctx, httpapi.ServerOptions{
		Addr:         cfg.HTTPAPI.Addr,
		APIKey:       cfg.HTTPAPI.APIKey,
		AllowedHosts: cfg.HTTPAPI.AllowedHosts,
		TLS:          cfg.HTTPAPI.TLS,
		TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
		TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		Registry:     reg,
		Store:        imapStore,
		IMAP:         imapgw.NewHandler(imapPool, reg),
		SMTP:         smtpgw.NewHandler(smtpPool, reg),
		IMAPPool:     imapPool,
		SMTPPool:     smtpPool,
	}, errChan)

	if cfg.Sweeper.Start {
		interval, err := cfg.Sweeper.GetInterval()
		if err != nil {
			logger.Fatalf("invalid sweep interval: %v", err)
		}
		for _, store := range []sessionstore.Store{imapStore, smtpStore} {
			w := sweeper.New(store, interval, sessionTTL)
			if err := w.Start(ctx); err != nil {
				logger.Fatalf("failed to start keep-alive sweeper: %v", err)
			}
			defer w.Stop()
		}
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		logger.Infof("received signal %v, shutting down", sig)
	case err := <-errChan:
		logger.Errorf("fatal server error: %v", err)
	}

	cancel()
	imapPool.CloseAll()
	smtpPool.CloseAll()
	logger.Info("shutdown complete")
}

// openStores builds the per-protocol session stores. Redis stores share
// one client and distinct key namespaces; the startup ping retries with
// backoff so a gateway racing its Redis container at boot settles instead
// of dying.
func openStores(ctx context.Context, cfg config.Config) (imap, smtp sessionstore.Store, client *redis.Client, err error) {
	switch cfg.SessionStore.Backend {
	case "memory":
		logger.Info("using in-memory session store; sessions will not survive restarts")
		return sessionstore.NewMemoryStore(), sessionstore.NewMemoryStore(), nil, nil
	case "redis":
		client, err = sessionstore.NewRedisClient(cfg.SessionStore.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		imapStore := sessionstore.NewRedisStoreFromClient(client, consts.IMAPNamespace)
		err = retry.WithRetry(ctx, func() error {
			return imapStore.Ping(ctx)
		}, retry.DefaultBackoffConfig())
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		return imapStore, sessionstore.NewRedisStoreFromClient(client, consts.SMTPNamespace), client, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown session store backend %q", cfg.SessionStore.Backend)
	}
}

func openRegistry(cfg config.Config, client *redis.Client) (registry.Registry, error) {
	fallback := registry.FallbackMapping(cfg.Registry.Inbox)
	switch cfg.Registry.Backend {
	case "memory":
		return registry.NewMemoryRegistry(fallback), nil
	case "redis":
		if client == nil {
			var err error
			client, err = sessionstore.NewRedisClient(cfg.SessionStore.URL)
			if err != nil {
				return nil, err
			}
		}
		return registry.NewRedisRegistry(client), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func serveMetrics(ctx context.Context, addr string) {
	logger.Infof("metrics listener on %s", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("metrics listener failed: %v", err)
	}
}
