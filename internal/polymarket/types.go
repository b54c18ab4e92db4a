package polymarket

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// gammaMarket is the subset of a Gamma /markets item the monitor consumes.
type gammaMarket struct {
	ID            flexString      `json:"id"`
	ConditionID   string          `json:"conditionId"`
	Question      string          `json:"question"`
	Slug          string          `json:"slug"`
	Outcomes      stringList      `json:"outcomes"`      // "[\"Yes\", \"No\"]" or ["Yes","No"]
	OutcomePrices stringList      `json:"outcomePrices"` // "[\"0.75\", \"0.25\"]" or [...]
	VolumeNum     json.RawMessage `json:"volumeNum"`
	Volume        json.RawMessage `json:"volume"`
	Volume24hr    json.RawMessage `json:"volume24hr"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
}

// stringList decodes either a JSON array or a string holding a JSON array.
// Non-string elements are kept in their literal form.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			*s = nil
			return nil
		}
		b = []byte(inner)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var str string
		if err := json.Unmarshal(r, &str); err == nil {
			out = append(out, str)
			continue
		}
		out = append(out, string(bytes.TrimSpace(r)))
	}
	*s = out
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*f = flexString(str)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// parseFlexFloat reads a JSON number or numeric string.
func parseFlexFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
