package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/polyalert/internal/config"
	"github.com/rewired-gh/polyalert/internal/console"
	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/monitor"
	"github.com/rewired-gh/polyalert/internal/polymarket"
	"github.com/rewired-gh/polyalert/internal/runner"
	"github.com/rewired-gh/polyalert/internal/storage"
	"github.com/rewired-gh/polyalert/internal/telegram"
)

var version = "dev"

const usage = `Usage: polyalert <command> [flags]

Commands:
  start          Monitor markets and send alerts (default)
  top-movers     Sample prices and print the biggest movers
  count-markets  Count markets passing the volume filter
  history        Print recently recorded alerts
  show-config    Print the effective configuration
  test-telegram  Check Telegram credentials and send a test message
  version        Print the version

Run "polyalert <command> -h" for command flags.
`

func main() {
	cmd := "start"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "start":
		err = runStart(args)
	case "top-movers":
		err = runTopMovers(args)
	case "count-markets":
		err = runCountMarkets(args)
	case "history":
		err = runHistory(args)
	case "show-config":
		err = runShowConfig(args)
	case "test-telegram":
		err = runTestTelegram(args)
	case "version":
		fmt.Println("polyalert", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// commonFlags are accepted by every command that loads configuration.
type commonFlags struct {
	configPath *string
	threshold  *float64
	minVolume  *float64
	interval   *time.Duration
	noTelegram *bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := &commonFlags{
		configPath: fs.String("config", "configs/config.yaml", "Path to configuration file"),
		threshold:  fs.Float64("threshold", 0, "Alert threshold in percent (overrides config)"),
		minVolume:  fs.Float64("min-volume", -1, "Minimum market volume (overrides config)"),
		interval:   fs.Duration("interval", 0, "Poll interval (overrides config)"),
		noTelegram: fs.Bool("no-telegram", false, "Print alerts to the console instead of Telegram"),
	}
	return fs, cf
}

// load reads, overrides and validates the configuration, then sets up logging.
func (cf *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(*cf.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *cf.threshold > 0 {
		cfg.Monitor.Threshold = *cf.threshold
	}
	if *cf.minVolume >= 0 {
		cfg.Monitor.MinVolume = *cf.minVolume
	}
	if *cf.interval > 0 {
		cfg.Monitor.PollInterval = *cf.interval
	}
	if *cf.noTelegram {
		cfg.Telegram.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *cf.configPath)
	return cfg, nil
}

func newPolymarketClient(cfg *config.Config) *polymarket.Client {
	return polymarket.NewClient(
		cfg.Polymarket.GammaAPIURL,
		cfg.Polymarket.Timeout,
		polymarket.ClientConfig{
			PageSize:            cfg.Polymarket.PageSize,
			RequestsPerSecond:   cfg.Polymarket.RequestsPerSecond,
			MaxRetries:          cfg.Polymarket.MaxRetries,
			RetryDelayBase:      cfg.Polymarket.RetryDelayBase,
			MaxIdleConns:        cfg.Polymarket.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Polymarket.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Polymarket.IdleConnTimeout,
		},
	)
}

func newMonitor(cfg *config.Config, source monitor.Source) *monitor.Monitor {
	return monitor.New(source, monitor.Config{
		Threshold:  cfg.Monitor.Threshold,
		MinVolume:  cfg.Monitor.MinVolume,
		ActiveOnly: cfg.Monitor.ActiveOnly,
	})
}

func newTelegramClient(cfg *config.Config) (*telegram.Client, error) {
	tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
	if err != nil {
		return nil, err
	}
	tg.SetBatchSize(cfg.Telegram.BatchSize)
	return tg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runStart(args []string) error {
	fs, cf := newFlagSet("start")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if srv := metrics.Serve(cfg.Metrics.ListenAddr); srv != nil {
		logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
		defer func() { _ = srv.Close() }()
	}

	mon := newMonitor(cfg, newPolymarketClient(cfg))

	policy, err := runner.ParseResetPolicy(cfg.Monitor.ResetPolicy)
	if err != nil {
		return err
	}
	opts := runner.Options{
		PollInterval:          cfg.Monitor.PollInterval,
		MarketRefreshInterval: cfg.Monitor.MarketRefreshInterval,
		ResetPolicy:           policy,
		TopMoversLimit:        cfg.Monitor.TopMoversLimit,
	}

	var tg *telegram.Client
	var sink runner.Sink = console.New()
	if cfg.Telegram.Enabled {
		tg, err = newTelegramClient(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		sink = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Info("Telegram notifications disabled, printing alerts to the console")
	}

	r := runner.New(mon, sink, opts)
	if tg != nil {
		r.WithNotifier(tg).WithCommands(tg)
	}

	if cfg.Storage.Enabled {
		store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		r.WithRecorder(store)
		logger.Info("Recording alert history in %s", cfg.Storage.DBPath)
	}

	logger.Info("Initializing market set (threshold: %g%%, min volume: %.0f)", cfg.Monitor.Threshold, cfg.Monitor.MinVolume)
	count := mon.Initialize(ctx)
	metrics.MarketsTracked.Set(float64(count))
	if count == 0 {
		return errors.New("no markets found, check the API and the volume filter")
	}

	if tg != nil {
		if err := tg.SendStartup(ctx, count, cfg.Monitor.Threshold, cfg.Monitor.MinVolume); err != nil {
			logger.Warn("Failed to send startup message: %v", err)
		}
	}

	if err := r.Run(ctx); err != nil {
		return err
	}

	stats := r.Stats()
	logger.Info("Service stopped: %d cycles, %d alerts detected, %d delivered",
		stats.Cycles, stats.AlertsDetected, stats.AlertsDelivered)
	if tg != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := tg.SendStatus(shutdownCtx, mon.MarketCount(), stats.AlertsDelivered, time.Since(stats.StartedAt)); err != nil {
			logger.Warn("Failed to send shutdown status: %v", err)
		}
	}
	return nil
}

func runTopMovers(args []string) error {
	fs, cf := newFlagSet("top-movers")
	limit := fs.Int("limit", 10, "Number of movers to print")
	wait := fs.Duration("wait", 30*time.Second, "Time between the baseline and the second sample")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	mon := newMonitor(cfg, newPolymarketClient(cfg))
	if mon.Initialize(ctx) == 0 {
		return errors.New("no markets found")
	}

	logger.Info("Sampling again in %v", *wait)
	select {
	case <-time.After(*wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := mon.CheckForAlerts(ctx); err != nil {
		return err
	}
	console.New().PrintMovers(mon.TopMovers(*limit))
	return nil
}

func runCountMarkets(args []string) error {
	fs, cf := newFlagSet("count-markets")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	count, volume, err := newPolymarketClient(cfg).CountMarkets(ctx, cfg.Monitor.MinVolume)
	if err != nil {
		return err
	}
	console.New().PrintSettings("Market count", []string{"min_volume", "markets", "total_volume"}, map[string]string{
		"min_volume":   fmt.Sprintf("%.0f", cfg.Monitor.MinVolume),
		"markets":      fmt.Sprint(count),
		"total_volume": fmt.Sprintf("%.0f", volume),
	})
	return nil
}

func runHistory(args []string) error {
	fs, cf := newFlagSet("history")
	limit := fs.Int("limit", 20, "Number of alerts to print")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return errors.New("alert history is disabled (storage.enabled: false)")
	}

	store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	records, err := store.RecentAlerts(*limit)
	if err != nil {
		return err
	}
	total, err := store.CountAlerts()
	if err != nil {
		return err
	}
	console.New().PrintHistory(records, total)
	return nil
}

func runShowConfig(args []string) error {
	fs, cf := newFlagSet("show-config")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	keys, values := cfg.Settings()
	console.New().PrintSettings("Configuration", keys, values)
	return nil
}

func runTestTelegram(args []string) error {
	fs, cf := newFlagSet("test-telegram")
	_ = fs.Parse(args)
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		return errors.New("telegram.bot_token and telegram.chat_id are required")
	}

	tg, err := newTelegramClient(cfg)
	if err != nil {
		return err
	}
	name, err := tg.TestConnection()
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	fmt.Printf("Connected as @%s\n", name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tg.SendText(ctx, "Polymarket price monitor test message"); err != nil {
		return fmt.Errorf("failed to send test message: %w", err)
	}
	fmt.Println("Test message sent")
	return nil
}
