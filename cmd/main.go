package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telecom-enterprise/secgw"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./secgw.yaml, ~/.secgw/secgw.yaml, /etc/secgw/secgw.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		genCerts   = flag.String("gen-certs", "", "write development CA, server, client and upstream certificates into dir and exit")
		storePass  = flag.String("store-password", "changeit", "password for PKCS#12 stores written by -gen-certs")
	)
	flag.Parse()

	// Bootstrap logger until the configured one is available.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *genConfig {
		if err := secgw.WriteExampleConfig("secgw.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated secgw.yaml")
		return
	}

	if *genCerts != "" {
		if err := secgw.WriteDevPKI(*genCerts, *storePass); err != nil {
			logger.Error("generate certificates", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Generated development certificates in %s\n", *genCerts)
		return
	}

	cfg, err := secgw.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := secgw.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	srv, err := secgw.NewServerFromConfig(cfg, logger)
	if err != nil {
		var cfgErr *secgw.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Error("refusing to start: invalid key material", "error", err)
		} else {
			logger.Error("build gateway", "error", err)
		}
		logger.Info("hint: run with -gen-certs ./certs and -gen-config for a development setup")
		_ = logCloser.Close()
		os.Exit(1)
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down...")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("starting security gateway",
		"addr", cfg.Server.Addr,
		"upstream", cfg.Upstream.URL,
		"prefix", cfg.Gateway.Prefix,
		"mtls", cfg.Server.TLS.Enabled)

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("gateway error", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}

	// Serve returns as soon as shutdown begins; wait for in-flight requests.
	<-shutdownDone
}
