package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rewired-gh/polyalert/internal/models"
)

var defaultOutcomes = []string{"Yes", "No"}

// parsePrices converts price strings to floats. Unparseable entries become 0.
func parsePrices(raw []string) []float64 {
	prices := make([]float64, 0, len(raw))
	for _, p := range raw {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			v = 0
		}
		prices = append(prices, v)
	}
	return prices
}

// marketVolume walks the volume fields in order of preference.
func marketVolume(gm gammaMarket) float64 {
	for _, raw := range []json.RawMessage{gm.VolumeNum, gm.Volume, gm.Volume24hr} {
		if v, ok := parseFlexFloat(raw); ok {
			return v
		}
	}
	return 0
}

// toMarket converts a Gamma item into a tracked market, or nil when the item
// has no ID or no usable prices.
func toMarket(gm gammaMarket) *models.Market {
	if gm.ID == "" {
		return nil
	}
	prices := parsePrices(gm.OutcomePrices)
	outcomes := []string(gm.Outcomes)
	if len(outcomes) == 0 {
		outcomes = defaultOutcomes
	}
	question := gm.Question
	if question == "" {
		question = "Unknown"
	}

	m := models.NewMarket(string(gm.ID), gm.ConditionID, gm.Slug, question, marketVolume(gm), outcomes, prices)
	if err := m.Validate(); err != nil {
		return nil
	}
	return m
}
