package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokengate/host/internal/auth"
	"github.com/tokengate/host/internal/logger"
	"github.com/tokengate/host/internal/mdns"
	"github.com/tokengate/host/internal/metrics"
	"github.com/tokengate/host/internal/storage"
	tgtls "github.com/tokengate/host/internal/tls"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	addr := fs.String("addr", "", "Listen address (default: from config, 127.0.0.1:8440)")
	useTLS := fs.Bool("tls", false, "Serve HTTPS (self-signed certificate unless tls_cert/tls_key are set)")
	advertise := fs.Bool("advertise", false, "Announce the API on the local network via mDNS")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (default: from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: tokengate serve [options]

Run the tokengate HTTP API until interrupted.

Options:
`)
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := sf.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *useTLS {
		cfg.TLS = true
	}
	if *advertise {
		cfg.Advertise = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	restore, err := logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer restore()
	log := zap.L().Named("cmd")

	store, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	svc, err := auth.NewService(serviceConfig(cfg, store))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	handler := auth.NewHandler(auth.HandlerConfig{
		Service:            svc,
		Metrics:            metrics.New(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          zap.NewStdLog(log),
	}

	scheme := "http"
	fingerprint := ""
	if cfg.TLS {
		cert, err := tgtls.Ensure(tgtls.Options{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		srv.TLSConfig, err = tgtls.ServerConfig(cert.CertFile, cert.KeyFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		scheme = "https"
		fingerprint = cert.Fingerprint
		fmt.Fprintf(stdout, "TLS fingerprint: %s\n", cert.Fingerprint)
		if cert.Generated {
			log.Info("generated self-signed certificate", zap.String("cert", cert.CertFile), zap.Time("not_after", cert.NotAfter))
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to listen on %s: %v\n", cfg.Addr, err)
		return 1
	}

	if cfg.Advertise {
		advertiser := mdns.NewAdvertiser(mdns.Config{
			Port:        ln.Addr().(*net.TCPAddr).Port,
			TLS:         cfg.TLS,
			Fingerprint: fingerprint,
		})
		if err := advertiser.Start(); err != nil {
			log.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			defer advertiser.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "tokengate %s listening on %s://%s\n", Version, scheme, ln.Addr())
	log.Info("server started", zap.String("addr", ln.Addr().String()), zap.Bool("tls", cfg.TLS))

	if err := serve(ctx, srv, ln, cfg.TLS); err != nil {
		log.Error("server failed", zap.Error(err))
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	log.Info("server stopped")
	return 0
}

// serve runs srv on ln until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, useTLS bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
