// Command bridge-sweeper runs the keep-alive sweeper as a standalone
// process, for deployments where the gateway binary runs without its
// in-process sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidemail/bridge/config"
	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/logger"
	"github.com/tidemail/bridge/server/sweeper"
	"github.com/tidemail/bridge/sessionstore"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

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

	if cfg.SessionStore.Backend != "redis" {
		logger.Fatal("standalone sweeper requires the redis session store backend")
	}

	sessionTTL, err := cfg.SessionStore.GetDefaultTTL()
	if err != nil {
		logger.Fatalf("invalid session TTL: %v", err)
	}
	interval, err := cfg.Sweeper.GetInterval()
	if err != nil {
		logger.Fatalf("invalid sweep interval: %v", err)
	}

	client, err := sessionstore.NewRedisClient(cfg.SessionStore.URL)
	if err != nil {
		logger.Fatalf("failed to open session store: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A sweeper that cannot reach the store on startup is useless; die
	// loudly and let the supervisor restart it.
	for _, namespace := range []string{consts.IMAPNamespace, consts.SMTPNamespace} {
		store := sessionstore.NewRedisStoreFromClient(client, namespace)
		w := sweeper.New(store, interval, sessionTTL)
		if err := w.Start(ctx); err != nil {
			logger.Fatalf("failed to start keep-alive sweeper for %s sessions: %v", namespace, err)
		}
		defer w.Stop()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	logger.Infof("received signal %v, shutting down", sig)
}
