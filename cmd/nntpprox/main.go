package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/nntpprox/config"
	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/nntp"
	"github.com/migadu/nntpprox/pkg/circuitbreaker"
	"github.com/migadu/nntpprox/pkg/errors"
	"github.com/migadu/nntpprox/server/adminapi"
	"github.com/migadu/nntpprox/server/proxy"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nntpprox version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "NNTPPROX: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "NNTPPROX: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("nntpprox starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)
	cfg.WarnInsecure(logger.Warnf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		errorHandler.FatalError("serve", err)
		os.Exit(errorHandler.WaitForExit())
	}
	errorHandler.Shutdown(ctx)
	logger.Info("nntpprox stopped")
}

func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// run serves the proxy, and the admin API when enabled, until ctx is
// cancelled or one of them fails.
func run(ctx context.Context, cfg config.Config) error {
	dialer, err := nntp.NewDialer(cfg.Upstream, cfg.Proxy.Debug)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Upstream.CircuitBreaker.MaxFailures > 0 {
		openTimeout, err := cfg.Upstream.CircuitBreaker.GetOpenTimeout()
		if err != nil {
			return fmt.Errorf("upstream.circuit_breaker: %w", err)
		}
		breaker = proxy.NewUpstreamBreaker(cfg.Upstream.CircuitBreaker.MaxFailures, openTimeout)
	}

	options, err := proxyOptions(cfg)
	if err != nil {
		return err
	}
	options.Breaker = breaker

	g, gctx := errgroup.WithContext(ctx)

	srv, err := proxy.New(gctx, proxy.DialerFactory(dialer), options)
	if err != nil {
		return err
	}
	logger.Info("Proxy: Forwarding to upstream", "upstream", dialer.Options.Addr, "security", cfg.Upstream.Security,
		"max_sessions", options.MaxSessions, "commands", srv.Commands())

	g.Go(func() error {
		defer srv.Close()
		return srv.Start()
	})

	if cfg.AdminAPI.Start {
		g.Go(func() error {
			errChan := make(chan error, 1)
			adminapi.Start(gctx, adminapi.ServerOptions{
				Name:         "admin",
				Addr:         cfg.AdminAPI.Addr,
				AllowedHosts: cfg.AdminAPI.AllowedHosts,
				Stats:        srv,
				Breaker:      breaker,
				Version:      version,
			}, errChan)
			select {
			case err := <-errChan:
				return err
			default:
				return nil
			}
		})
	}

	return g.Wait()
}

func proxyOptions(cfg config.Config) (proxy.Options, error) {
	commandTimeout, err := cfg.Upstream.GetCommandTimeout()
	if err != nil {
		return proxy.Options{}, fmt.Errorf("upstream.command_timeout: %w", err)
	}
	writeTimeout, err := cfg.Proxy.GetWriteTimeout()
	if err != nil {
		return proxy.Options{}, fmt.Errorf("proxy.write_timeout: %w", err)
	}
	writeBackoff, err := cfg.Proxy.GetWriteRetryBackoff()
	if err != nil {
		return proxy.Options{}, fmt.Errorf("proxy.write_retry_backoff: %w", err)
	}
	idleTimeout, err := cfg.Proxy.GetIdleTimeout()
	if err != nil {
		return proxy.Options{}, fmt.Errorf("proxy.idle_timeout: %w", err)
	}

	return proxy.Options{
		Name:              "nntp",
		Addr:              cfg.Proxy.Addr,
		ListenBacklog:     cfg.Proxy.ListenBacklog,
		MaxSessions:       cfg.Upstream.MaxSessions,
		ReadChunkSize:     cfg.Proxy.ReadChunkSize,
		WriteChunkSize:    cfg.Proxy.WriteChunkSize,
		WriteTimeout:      writeTimeout,
		WriteRetries:      cfg.Proxy.WriteRetries,
		WriteRetryBackoff: writeBackoff,
		IdleTimeout:       idleTimeout,
		CommandTimeout:    commandTimeout,
		MaxInboundBuffer:  cfg.Proxy.MaxInboundBuffer,
		Debug:             cfg.Proxy.Debug,
	}, nil
}
