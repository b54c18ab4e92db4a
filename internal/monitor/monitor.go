// Package monitor implements baseline-tracking change detection over a set of markets.
package monitor

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/models"
)

// ErrNotInitialized is returned by CheckForAlerts before Initialize has run.
var ErrNotInitialized = errors.New("monitor not initialized")

// Source supplies markets and refreshed prices.
type Source interface {
	// FetchMarkets returns every market passing the volume filter. Partial
	// results may accompany an error.
	FetchMarkets(ctx context.Context, minVolume float64, activeOnly bool) ([]*models.Market, error)
	// FetchPrices returns current prices keyed by market ID for the refs it
	// could match. Unmatched refs are simply absent.
	FetchPrices(ctx context.Context, refs []models.MarketRef) (map[string][]float64, error)
}

type Config struct {
	// Threshold is the absolute percent change that counts as significant.
	Threshold  float64
	MinVolume  float64
	ActiveOnly bool
}

func DefaultConfig() Config {
	return Config{
		Threshold:  3.0,
		MinVolume:  0,
		ActiveOnly: true,
	}
}

// Monitor owns the tracked market set. It is not safe for concurrent use;
// callers drive it from a single goroutine.
type Monitor struct {
	source      Source
	config      Config
	markets     []*models.Market
	index       map[string]*models.Market
	initialized bool
	lastScan    time.Time
	now         func() time.Time
}

func New(source Source, config Config) *Monitor {
	return &Monitor{
		source: source,
		config: config,
		index:  make(map[string]*models.Market),
		now:    time.Now,
	}
}

// Initialize loads the market set, with baselines equal to current prices,
// and returns the number of markets loaded.
func (m *Monitor) Initialize(ctx context.Context) int {
	logger.Info("Initializing monitor (threshold: %.2f%%, min_volume: $%.0f)", m.config.Threshold, m.config.MinVolume)

	m.replaceMarkets(m.fetchMarkets(ctx))
	m.lastScan = m.now()
	m.initialized = true

	logger.Info("Loaded %d markets for monitoring", len(m.markets))
	return len(m.markets)
}

// RefreshMarkets re-fetches the whole market set and replaces it. Markets that
// persist come back as new instances with no baseline history.
func (m *Monitor) RefreshMarkets(ctx context.Context) int {
	logger.Info("Refreshing market list")

	fresh := m.fetchMarkets(ctx)

	added := 0
	seen := make(map[string]bool, len(fresh))
	for _, market := range fresh {
		if market == nil {
			continue
		}
		seen[market.ID] = true
		if _, ok := m.index[market.ID]; !ok {
			added++
		}
	}
	dropped := 0
	for id := range m.index {
		if !seen[id] {
			dropped++
		}
	}
	if added > 0 || dropped > 0 {
		logger.Info("Market list changed: %d new, %d dropped", added, dropped)
	}

	previous := len(m.markets)
	m.replaceMarkets(fresh)
	if len(m.markets) == 0 {
		logger.Warn("Market refresh returned no markets, %d previously tracked markets dropped", previous)
	}
	m.lastScan = m.now()
	m.initialized = true
	return len(m.markets)
}

func (m *Monitor) fetchMarkets(ctx context.Context) []*models.Market {
	markets, err := m.source.FetchMarkets(ctx, m.config.MinVolume, m.config.ActiveOnly)
	if err != nil {
		logger.Warn("Market fetch incomplete (%d markets kept): %v", len(markets), err)
	}
	return markets
}

func (m *Monitor) replaceMarkets(markets []*models.Market) {
	kept := make([]*models.Market, 0, len(markets))
	index := make(map[string]*models.Market, len(markets))
	for _, market := range markets {
		if market == nil {
			continue
		}
		if _, dup := index[market.ID]; dup {
			logger.Debug("Skipping duplicate market %s", market.ID)
			continue
		}
		index[market.ID] = market
		kept = append(kept, market)
	}
	m.markets = kept
	m.index = index
}

// CheckForAlerts refreshes prices and returns one alert per outcome whose
// absolute change from baseline is at least the threshold. Alerts are ordered
// by market, then outcome. Baselines are left untouched.
func (m *Monitor) CheckForAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}

	updated := m.refreshPrices(ctx)
	logger.Debug("Updated prices for %d/%d markets", updated, len(m.markets))

	now := m.now()
	var alerts []models.PriceAlert
	for _, market := range m.markets {
		alerts = append(alerts, m.checkMarket(market, now)...)
	}

	if len(alerts) > 0 {
		logger.Info("Found %d price alerts", len(alerts))
	} else {
		logger.Debug("No significant price changes detected")
	}

	m.lastScan = now
	return alerts, nil
}

func (m *Monitor) refreshPrices(ctx context.Context) int {
	if len(m.markets) == 0 {
		return 0
	}
	refs := make([]models.MarketRef, len(m.markets))
	for i, market := range m.markets {
		refs[i] = market.Ref()
	}

	prices, err := m.source.FetchPrices(ctx, refs)
	if err != nil {
		logger.Warn("Price refresh incomplete (%d markets matched): %v", len(prices), err)
	}

	now := m.now()
	updated := 0
	for _, market := range m.markets {
		p, ok := prices[market.ID]
		if !ok || len(p) == 0 {
			continue
		}
		market.UpdatePrices(p, now)
		updated++
	}
	return updated
}

func (m *Monitor) checkMarket(market *models.Market, now time.Time) []models.PriceAlert {
	var alerts []models.PriceAlert
	for i, change := range market.PriceChanges() {
		if !market.HasBaseline(i) {
			continue
		}
		if math.Abs(change) >= m.config.Threshold {
			alerts = append(alerts, models.NewPriceAlert(market, i, change, now))
		}
	}
	return alerts
}

// ResetBaselines advances the baseline of every market referenced by alerts
// to its current prices. The market is looked up by ID so alerts raised before
// a RefreshMarkets never touch a detached instance.
func (m *Monitor) ResetBaselines(alerts []models.PriceAlert) {
	processed := make(map[string]bool)
	for _, alert := range alerts {
		id := alert.MarketID()
		if id == "" || processed[id] {
			continue
		}
		processed[id] = true

		market, ok := m.index[id]
		if !ok {
			logger.Debug("Skipping baseline reset for untracked market %s", id)
			continue
		}
		market.ResetBaseline()
		logger.Debug("Reset baseline for: %s", truncate(market.Question, 50))
	}
}

// TopMovers returns up to limit outcomes with the largest absolute change,
// regardless of threshold. Ties keep market/outcome order.
func (m *Monitor) TopMovers(limit int) []models.PriceAlert {
	if limit <= 0 {
		return nil
	}

	now := m.now()
	var movers []models.PriceAlert
	for _, market := range m.markets {
		for i, change := range market.PriceChanges() {
			if market.HasBaseline(i) {
				movers = append(movers, models.NewPriceAlert(market, i, change, now))
			}
		}
	}

	sort.SliceStable(movers, func(i, j int) bool {
		return math.Abs(movers[i].ChangePercent) > math.Abs(movers[j].ChangePercent)
	})

	if len(movers) > limit {
		movers = movers[:limit]
	}
	return movers
}

// MarketCount returns the number of tracked markets.
func (m *Monitor) MarketCount() int {
	return len(m.markets)
}

func (m *Monitor) Initialized() bool {
	return m.initialized
}

func (m *Monitor) LastScan() time.Time {
	return m.lastScan
}

// Markets returns the tracked markets in iteration order. The slice is a copy;
// the markets themselves must be treated as read-only.
func (m *Monitor) Markets() []*models.Market {
	return append([]*models.Market(nil), m.markets...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
