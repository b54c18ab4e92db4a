// Package console prints alerts and movers as tables on a local writer.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/storage"
)

// Console writes alerts to an io.Writer instead of a chat.
type Console struct {
	out io.Writer
}

// New creates a console printer on stdout.
func New() *Console {
	return &Console{out: os.Stdout}
}

// NewWriter creates a console printer on w.
func NewWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Deliver prints every alert and reports all of them as delivered.
func (c *Console) Deliver(_ context.Context, alerts []models.PriceAlert) int {
	if len(alerts) == 0 {
		return 0
	}

	fmt.Fprintf(c.out, "\n[%s] PRICE ALERTS (%d)\n", time.Now().Format("15:04:05"), len(alerts))
	c.printAlerts(alerts)
	return len(alerts)
}

// PrintMovers prints a ranked top-movers table.
func (c *Console) PrintMovers(movers []models.PriceAlert) {
	if len(movers) == 0 {
		fmt.Fprintln(c.out, "No price movements found")
		return
	}
	fmt.Fprintf(c.out, "\nTOP %d PRICE MOVERS\n", len(movers))
	c.printAlerts(movers)
}

// PrintSettings prints key/value pairs in the given order.
func (c *Console) PrintSettings(title string, keys []string, values map[string]string) {
	fmt.Fprintf(c.out, "\n%s\n", strings.ToUpper(title))
	table := tablewriter.NewWriter(c.out)
	table.Header("Setting", "Value")
	for _, k := range keys {
		table.Append(k, values[k])
	}
	table.Render()
}

// PrintHistory prints stored alerts, newest first, out of total recorded.
func (c *Console) PrintHistory(records []storage.AlertRecord, total int) {
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No alerts recorded yet")
		return
	}
	fmt.Fprintf(c.out, "\nRECENT ALERTS (%d of %d)\n", len(records), total)
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Time", "Market", "Outcome", "Old", "New", "Change", "Sent")
	for i, r := range records {
		sent := "no"
		if r.Delivered {
			sent = "yes"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			compactName(r.Question, 50),
			r.Outcome,
			fmt.Sprintf("%.2f", r.OldPrice),
			fmt.Sprintf("%.2f", r.NewPrice),
			formatChange(r.ChangePercent),
			sent,
		)
	}
	table.Render()
}

func (c *Console) printAlerts(alerts []models.PriceAlert) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Outcome", "Old", "New", "Change", "Volume")

	for i, a := range alerts {
		volume := ""
		if a.Market != nil {
			volume = fmt.Sprintf("$%.0f", a.Market.Volume)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			compactName(a.Question(), 50),
			a.Emoji()+" "+a.Outcome,
			fmt.Sprintf("%.2f", a.OldPrice),
			fmt.Sprintf("%.2f", a.NewPrice),
			formatChange(a.ChangePercent),
			volume,
		)
	}

	table.Render()

	for _, a := range alerts {
		if a.Market != nil && a.Market.URL != "" {
			fmt.Fprintf(c.out, "  %s\n", a.Market.URL)
		}
	}
}

func formatChange(pct float64) string {
	sign := ""
	if pct > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.1f%%", sign, pct)
}

// compactName shortens a question to n runes, adding "..." when cut.
func compactName(q string, n int) string {
	r := []rune(q)
	if len(r) <= n {
		return q
	}
	return string(r[:n-3]) + "..."
}
