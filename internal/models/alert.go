package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the sign of an alert's move.
type Direction string

const (
	DirectionUp        Direction = "up"
	DirectionDown      Direction = "down"
	DirectionUnchanged Direction = "unchanged"
)

// PriceAlert is a frozen snapshot of one outcome's move away from its baseline.
// Market is kept for display only and must not be mutated through the alert.
type PriceAlert struct {
	ID            string
	Market        *Market
	OutcomeIndex  int
	Outcome       string
	OldPrice      float64
	NewPrice      float64
	ChangePercent float64
	CreatedAt     time.Time
}

// NewPriceAlert snapshots outcome i of market m with the given percent change.
// The caller guarantees m.HasBaseline(i).
func NewPriceAlert(m *Market, i int, change float64, now time.Time) PriceAlert {
	outcome := ""
	if i < len(m.Outcomes) {
		outcome = m.Outcomes[i]
	}
	return PriceAlert{
		ID:            uuid.New().String(),
		Market:        m,
		OutcomeIndex:  i,
		Outcome:       outcome,
		OldPrice:      m.Baseline[i],
		NewPrice:      m.Prices[i],
		ChangePercent: change,
		CreatedAt:     now,
	}
}

// Direction derives the move direction from the sign of ChangePercent.
func (a PriceAlert) Direction() Direction {
	switch {
	case a.ChangePercent > 0:
		return DirectionUp
	case a.ChangePercent < 0:
		return DirectionDown
	default:
		return DirectionUnchanged
	}
}

// Emoji returns the glyph used when rendering the alert's direction.
func (a PriceAlert) Emoji() string {
	switch a.Direction() {
	case DirectionUp:
		return "📈"
	case DirectionDown:
		return "📉"
	default:
		return "➡️"
	}
}

// MarketID returns the originating market's ID, or "" for a detached alert.
func (a PriceAlert) MarketID() string {
	if a.Market == nil {
		return ""
	}
	return a.Market.ID
}

// Question returns the originating market's question text.
func (a PriceAlert) Question() string {
	if a.Market == nil {
		return ""
	}
	return a.Market.Question
}
