// Command worker runs one trading worker process.
//
//	worker start [--worker-id X] [--config PATH] [--log-level L] [--debug]
//	worker health [--config PATH]
//
// Exit codes: 0 success, 1 configuration error, 2 infrastructure error,
// 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/config"
	"github.com/hskwon/stampede/internal/health"
	"github.com/hskwon/stampede/internal/lifecycle"
	"github.com/hskwon/stampede/internal/lock"
	"github.com/hskwon/stampede/internal/notify"
	"github.com/hskwon/stampede/internal/orders"
	"github.com/hskwon/stampede/internal/pnl"
	"github.com/hskwon/stampede/internal/poller"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/strategy"
	"github.com/hskwon/stampede/internal/traderr"
	"github.com/hskwon/stampede/internal/worker"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitInfra       = 2
	exitInterrupted = 130
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "health":
		os.Exit(runHealth(args))
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: worker start [--worker-id X] [--config PATH] [--log-level L] [--debug]")
	fmt.Fprintln(os.Stderr, "       worker health [--config PATH]")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	workerID := fs.String("worker-id", "", "worker identity (default: generated)")
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	debug := fs.Bool("debug", false, "shorthand for --log-level debug")
	_ = fs.Parse(args)

	logger := newLogger(*logLevel, *debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Error("configuration load failed")
		return exitConfig
	}

	id := *workerID
	if id == "" {
		id = cfg.Trading.WorkerID
	}
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	logger.WithFields(logrus.Fields{
		"worker_id": id,
		"mode":      cfg.Trading.Mode,
	}).Info("starting worker")

	store, err := storage.Open(cfg.Store.DatabaseURL)
	if err != nil {
		logger.WithError(err).Error("store open failed")
		return exitInfra
	}
	defer store.Close()

	gateway := broker.NewGateway(broker.GatewayConfig{
		AppKey:     cfg.Broker.AppKey,
		AppSecret:  cfg.Broker.AppSecret,
		AccountID:  cfg.Broker.AccountNumber,
		BaseURL:    cfg.BaseURL(),
		StreamURL:  cfg.StreamURL(),
		RPCTimeout: cfg.Broker.RPCTimeout(),
		MaxRetries: cfg.Broker.RPCMaxRetries,
		RateLimit:  cfg.Broker.RateLimitPerSec,
	}, logger)
	brk := broker.NewCircuitBreakerBroker(gateway, logger)
	defer brk.Close()

	strat, err := strategy.New(cfg.Strategy.Name, strategy.Params(cfg.Strategy.Params))
	if err != nil {
		logger.WithError(err).Error("strategy selection failed")
		return exitConfig
	}

	clk := clock.Real{}
	notifier := notify.NewSlack(cfg.Notifications.SlackWebhookURL, logger)
	locks := lock.NewService(store, clk, logger)
	workers := lifecycle.NewService(store, locks, clk, logger)
	ledger := orders.NewService(store, brk, clk, notifier, logger, cfg.Broker.AccountNumber)
	summaries := pnl.NewSummaryService(store, clk, logger)

	w := worker.New(id, worker.Deps{
		Config:    cfg,
		Broker:    brk,
		Locks:     locks,
		Lifecycle: workers,
		Orders:    ledger,
		Poller:    poller.New(brk, clk, logger),
		Strategy:  strategy.NewExecutor(strat, cfg.Strategy.MinBuyConfidence, logger),
		Summaries: summaries,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan os.Signal, 1)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("shutdown requested")
		interrupted <- sig
		cancel()
	}()

	var healthSrv *health.Server
	if cfg.Health.ListenAddr != "" {
		healthSrv = health.NewServer(cfg.Health.ListenAddr, w.Status, logger)
		go func() {
			if err := healthSrv.Start(); err != nil {
				logger.WithError(err).Error("health server failed")
			}
		}()
	}

	runErr := w.Run(ctx)

	if healthSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = healthSrv.Shutdown(shutCtx)
		shutCancel()
	}

	select {
	case sig := <-interrupted:
		if sig == syscall.SIGINT {
			return exitInterrupted
		}
		return exitOK
	default:
	}
	if runErr != nil {
		var cfgErr *traderr.ConfigError
		if errors.As(runErr, &cfgErr) {
			return exitConfig
		}
		logger.WithError(runErr).Error("worker exited with error")
		return exitInfra
	}
	return exitOK
}

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	if cfg.Health.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "health: no listen address configured")
		return exitConfig
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.Health.ListenAddr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "health:", err)
		return exitInfra
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health: status %d\n", resp.StatusCode)
		return exitInfra
	}
	fmt.Println("ok")
	return exitOK
}

func newLogger(level string, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		level = "debug"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
