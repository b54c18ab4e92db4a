// Package models defines the core domain entities: markets and price alerts.
package models

import (
	"errors"
	"time"
)

// MarketURLBase is the public page prefix used to link a market by slug.
const MarketURLBase = "https://polymarket.com/event/"

// Market represents one tradeable Polymarket market and its per-outcome prices.
// Baseline holds the reference price each outcome is compared against; it only
// advances on ResetBaseline.
type Market struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question"`
	URL         string    `json:"url"`
	Volume      float64   `json:"volume"`
	Outcomes    []string  `json:"outcomes"`
	Prices      []float64 `json:"prices"`
	Baseline    []float64 `json:"baseline"`
	LastUpdated time.Time `json:"last_updated"`
}

// MarketRef identifies a market to a data source without exposing the market itself.
type MarketRef struct {
	ID   string
	Slug string
}

// NewMarket builds a market whose baseline starts equal to its current prices.
func NewMarket(id, conditionID, slug, question string, volume float64, outcomes []string, prices []float64) *Market {
	m := &Market{
		ID:          id,
		ConditionID: conditionID,
		Slug:        slug,
		Question:    question,
		Volume:      volume,
		Outcomes:    append([]string(nil), outcomes...),
		Prices:      append([]float64(nil), prices...),
		LastUpdated: time.Now(),
	}
	m.Baseline = append([]float64(nil), m.Prices...)
	if slug != "" {
		m.URL = MarketURLBase + slug
	}
	return m
}

// Ref returns the identifiers a data source needs to refresh this market.
func (m *Market) Ref() MarketRef {
	return MarketRef{ID: m.ID, Slug: m.Slug}
}

// HasBaseline reports whether outcome i has a usable, strictly positive baseline.
// Indices missing from either price slice are unavailable.
func (m *Market) HasBaseline(i int) bool {
	if i < 0 || i >= len(m.Prices) || i >= len(m.Baseline) {
		return false
	}
	return m.Baseline[i] > 0
}

// PriceChanges returns the percent change from baseline for each outcome,
// aligned with Outcomes. Outcomes without a usable baseline report 0.
func (m *Market) PriceChanges() []float64 {
	changes := make([]float64, len(m.Outcomes))
	for i := range m.Outcomes {
		if !m.HasBaseline(i) {
			continue
		}
		changes[i] = (m.Prices[i] - m.Baseline[i]) / m.Baseline[i] * 100
	}
	return changes
}

// UpdatePrices overwrites the current prices and stamps the update time.
func (m *Market) UpdatePrices(prices []float64, now time.Time) {
	m.Prices = append(m.Prices[:0:0], prices...)
	m.LastUpdated = now
}

// ResetBaseline moves the baseline to the current prices.
func (m *Market) ResetBaseline() {
	m.Baseline = append(m.Baseline[:0:0], m.Prices...)
}

// Validate checks that a freshly parsed market is fit to be tracked.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if len(m.Outcomes) == 0 {
		return errors.New("market must have at least one outcome")
	}
	if len(m.Prices) != len(m.Outcomes) {
		return errors.New("outcome and price counts must match")
	}
	if m.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	for _, p := range m.Prices {
		if p != 0 {
			return nil
		}
	}
	return errors.New("market must have at least one non-zero price")
}
