// Package runner drives the monitor on a fixed schedule and routes its alerts
// to a sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/monitor"
	"github.com/rewired-gh/polyalert/internal/storage"
	"github.com/rewired-gh/polyalert/internal/telegram"
)

// ResetPolicy decides when alerted markets get a new baseline.
type ResetPolicy string

const (
	// ResetAlways resets every alerted market whether or not delivery worked.
	ResetAlways ResetPolicy = "always"
	// ResetOnDelivery resets only when the sink delivered at least one message.
	ResetOnDelivery ResetPolicy = "on_delivery"
)

// ParseResetPolicy maps a config value to a policy. Empty means ResetAlways.
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch ResetPolicy(s) {
	case "", ResetAlways:
		return ResetAlways, nil
	case ResetOnDelivery:
		return ResetOnDelivery, nil
	}
	return "", fmt.Errorf("unknown reset policy %q", s)
}

// Engine is the change-detection engine driven by the runner.
type Engine interface {
	Initialize(ctx context.Context) int
	CheckForAlerts(ctx context.Context) ([]models.PriceAlert, error)
	ResetBaselines(alerts []models.PriceAlert)
	TopMovers(limit int) []models.PriceAlert
	RefreshMarkets(ctx context.Context) int
	MarketCount() int
}


// Sink delivers alerts and reports how many messages got through.
type Sink interface {
	Deliver(ctx context.Context, alerts []models.PriceAlert) int
}

// TrackingSink is a Sink that can tell which alerts made it out.
type TrackingSink interface {
	Sink
	DeliverTracked(ctx context.Context, alerts []models.PriceAlert) (int, []bool)
}

// StatusNotifier is told about the first failure of a run of failures and
// about the recovery that ends it.
type StatusNotifier interface {
	SendError(ctx context.Context, err error) error
	SendRecovery(ctx context.Context, failureCount int) error
}

// AlertRecorder keeps a history of alerts. delivered is aligned with alerts.
type AlertRecorder interface {
	AddAlerts(alerts []models.PriceAlert, delivered []bool) error
	RotateAlerts() error
}

// HistoryReader serves the /history command. A recorder that also
// implements it is used for both.
type HistoryReader interface {
	RecentAlerts(k int) ([]storage.AlertRecord, error)
	CountAlerts() (int, error)
}

// Commander supplies bot commands and accepts replies.
type Commander interface {
	ListenForCommands(ctx context.Context) <-chan telegram.Command
	Reply(ctx context.Context, cmd telegram.Command, text string)
}

const (
	maxMoversReply     = 50
	defaultHistoryRows = 10
	maxHistoryRows     = 100
)

var (
	_ Engine         = (*monitor.Monitor)(nil)
	_ TrackingSink   = (*telegram.Client)(nil)
	_ StatusNotifier = (*telegram.Client)(nil)
	_ Commander      = (*telegram.Client)(nil)
	_ AlertRecorder  = (*storage.Storage)(nil)
	_ HistoryReader  = (*storage.Storage)(nil)
)

type Options struct {
	PollInterval time.Duration
	// MarketRefreshInterval re-lists markets periodically. Zero disables it.
	MarketRefreshInterval time.Duration
	ResetPolicy           ResetPolicy
	TopMoversLimit        int
}

// Stats are cumulative counters for one run.
type Stats struct {
	Cycles          int
	AlertsDetected  int
	AlertsDelivered int
	StartedAt       time.Time
}

type Runner struct {
	engine   Engine
	sink     Sink
	opts     Options
	notifier StatusNotifier
	recorder AlertRecorder
	commands Commander

	stats               Stats
	consecutiveFailures int
	now                 func() time.Time
}

func New(engine Engine, sink Sink, opts Options) *Runner {
	if opts.ResetPolicy == "" {
		opts.ResetPolicy = ResetAlways
	}
	if opts.TopMoversLimit <= 0 {
		opts.TopMoversLimit = 10
	}
	return &Runner{
		engine: engine,
		sink:   sink,
		opts:   opts,
		now:    time.Now,
	}
}

func (r *Runner) WithNotifier(n StatusNotifier) *Runner {
	r.notifier = n
	return r
}

func (r *Runner) WithRecorder(rec AlertRecorder) *Runner {
	r.recorder = rec
	return r
}

func (r *Runner) WithCommands(c Commander) *Runner {
	r.commands = c
	return r
}

// Stats returns a snapshot of the counters. Call it from the goroutine that
// runs Run, or after Run has returned.
func (r *Runner) Stats() Stats {
	return r.stats
}

// Run executes a cycle immediately and then once per poll interval until ctx
// is cancelled. Cycles never overlap, and bot commands are answered between
// cycles on the same goroutine.
func (r *Runner) Run(ctx context.Context) error {
	if r.opts.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", r.opts.PollInterval)
	}
	r.stats.StartedAt = r.now()

	var commands <-chan telegram.Command
	if r.commands != nil {
		commands = r.commands.ListenForCommands(ctx)
	}

	var refresh <-chan time.Time
	if r.opts.MarketRefreshInterval > 0 {
		t := time.NewTicker(r.opts.MarketRefreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	logger.Info("Starting monitoring loop (interval: %v, reset policy: %s)", r.opts.PollInterval, r.opts.ResetPolicy)
	r.handleCycleResult(ctx, r.RunCycle(ctx))

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Monitoring loop stopped after %d cycles", r.stats.Cycles)
			return nil

		case <-ticker.C:
			logger.Debug("Starting scheduled monitoring cycle")
			r.handleCycleResult(ctx, r.RunCycle(ctx))

		case <-refresh:
			n := r.engine.RefreshMarkets(ctx)
			metrics.MarketsTracked.Set(float64(n))

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			r.handleCommand(ctx, cmd)
		}
	}
}

// RunCycle performs one check-deliver-reset pass.
func (r *Runner) RunCycle(ctx context.Context) error {
	start := r.now()
	r.stats.Cycles++

	alerts, err := r.engine.CheckForAlerts(ctx)
	if errors.Is(err, monitor.ErrNotInitialized) {
		logger.Warn("Monitor not initialized, retrying initialization")
		metrics.ObserveCycle(metrics.ResultNotInitialized, r.now().Sub(start))
		if r.engine.Initialize(ctx) == 0 {
			return fmt.Errorf("initialization found no markets: %w", err)
		}
		metrics.MarketsTracked.Set(float64(r.engine.MarketCount()))
		return nil
	}
	if err != nil {
		metrics.ObserveCycle(metrics.ResultError, r.now().Sub(start))
		return fmt.Errorf("check for alerts: %w", err)
	}
	if r.engine.MarketCount() == 0 {
		logger.Warn("No markets tracked, refreshing market list")
		n := r.engine.RefreshMarkets(ctx)
		metrics.MarketsTracked.Set(float64(n))
		if n == 0 {
			metrics.ObserveCycle(metrics.ResultError, r.now().Sub(start))
			return errors.New("no markets tracked after refresh")
		}
		return nil
	}

	r.stats.AlertsDetected += len(alerts)
	for _, a := range alerts {
		metrics.AlertsTotal.WithLabelValues(string(a.Direction())).Inc()
	}

	if len(alerts) == 0 {
		logger.Info("No significant price changes this cycle")
	} else {
		logger.Info("Detected %d alerts above threshold", len(alerts))
		delivered, flags := r.deliver(ctx, alerts)
		r.stats.AlertsDelivered += delivered
		metrics.DeliveriesTotal.Add(float64(delivered))
		if delivered == 0 {
			logger.Warn("Sink delivered none of %d alerts", len(alerts))
		}

		r.record(alerts, flags)

		if r.opts.ResetPolicy == ResetAlways || delivered > 0 {
			r.engine.ResetBaselines(alerts)
		} else {
			logger.Info("Keeping baselines for %d alerts until delivery succeeds", len(alerts))
		}
	}

	metrics.MarketsTracked.Set(float64(r.engine.MarketCount()))
	duration := r.now().Sub(start)
	metrics.ObserveCycle(metrics.ResultOK, duration)
	logger.Info("Monitoring cycle completed in %v", duration)
	return nil
}

// deliver hands alerts to the sink and returns the message count plus a
// per-alert delivery flag. Sinks without tracking only count as having
// delivered everything when they report at least one message per alert.
func (r *Runner) deliver(ctx context.Context, alerts []models.PriceAlert) (int, []bool) {
	if ts, ok := r.sink.(TrackingSink); ok {
		return ts.DeliverTracked(ctx, alerts)
	}
	n := r.sink.Deliver(ctx, alerts)
	flags := make([]bool, len(alerts))
	if n >= len(alerts) {
		for i := range flags {
			flags[i] = true
		}
	}
	return n, flags
}

func (r *Runner) record(alerts []models.PriceAlert, delivered []bool) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.AddAlerts(alerts, delivered); err != nil {
		logger.Warn("Failed to record alert history: %v", err)
		return
	}
	if err := r.recorder.RotateAlerts(); err != nil {
		logger.Warn("Failed to rotate alert history: %v", err)
	}
}

func (r *Runner) handleCycleResult(ctx context.Context, err error) {
	if err != nil {
		r.consecutiveFailures++
		logger.Error("Monitoring cycle failed: %v", err)
		if r.consecutiveFailures == 1 && r.notifier != nil {
			if sendErr := r.notifier.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if r.consecutiveFailures > 0 && r.notifier != nil {
		if sendErr := r.notifier.SendRecovery(ctx, r.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	r.consecutiveFailures = 0
}

func (r *Runner) handleCommand(ctx context.Context, cmd telegram.Command) {
	logger.Debug("Received /%s command", cmd.Name)
	switch cmd.Name {
	case "status":
		uptime := r.now().Sub(r.stats.StartedAt)
		r.commands.Reply(ctx, cmd, telegram.FormatStatus(r.engine.MarketCount(), r.stats.AlertsDelivered, uptime))
	case "movers":
		limit := r.opts.TopMoversLimit
		if n, err := strconv.Atoi(cmd.Args); err == nil && n > 0 {
			limit = min(n, maxMoversReply)
		}
		r.reply(ctx, cmd, telegram.FormatMovers(r.engine.TopMovers(limit)))
	case "history":
		r.replyHistory(ctx, cmd)
	default:
		logger.Debug("Ignoring unknown command /%s", cmd.Name)
	}
}

func (r *Runner) reply(ctx context.Context, cmd telegram.Command, messages []string) {
	for _, text := range messages {
		r.commands.Reply(ctx, cmd, text)
	}
}

func (r *Runner) replyHistory(ctx context.Context, cmd telegram.Command) {
	history, ok := r.recorder.(HistoryReader)
	if !ok {
		r.reply(ctx, cmd, telegram.FormatHistory(nil, 0))
		return
	}
	limit := defaultHistoryRows
	if n, err := strconv.Atoi(cmd.Args); err == nil && n > 0 {
		limit = min(n, maxHistoryRows)
	}
	records, err := history.RecentAlerts(limit)
	if err != nil {
		logger.Warn("Failed to read alert history: %v", err)
		return
	}
	total, err := history.CountAlerts()
	if err != nil {
		logger.Warn("Failed to count alert history: %v", err)
		total = len(records)
	}
	r.reply(ctx, cmd, telegram.FormatHistory(records, total))
}
