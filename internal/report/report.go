// Package report builds the daily recap: it totals every food logged
// during one local calendar day, compares the total with the calorie
// budget, renders an artifact (PNG chart or HTML page) and uploads it to
// the object store.
//
// Totals are computed with decimal arithmetic so that summing many
// fractional estimates never drifts. Reports never modify the ledger.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/objectstore"
)

// Artifact formats.
const (
	FormatPNG  = "png"
	FormatHTML = "html"
)

// DateLayout is the calendar day format used in paths and titles.
const DateLayout = "2006-01-02"

// Totals are the summed nutrients of one day.
type Totals struct {
	Calories decimal.Decimal
	ProteinG decimal.Decimal
	CarbsG   decimal.Decimal
	FatG     decimal.Decimal

	MessageCount int
	FoodCount    int
}

// DailyReport is the transient aggregate for one local day. Only the
// rendered artifact is persisted.
type DailyReport struct {
	Date  string
	Start time.Time
	End   time.Time

	Totals
	Budget    int
	Remaining decimal.Decimal

	Format string
	Path   string
	URL    string
}

// Summary returns a JSON-friendly view of the report.
func (r *DailyReport) Summary() map[string]any {
	return map[string]any{
		"date":           r.Date,
		"total_calories": r.Calories.InexactFloat64(),
		"protein_g":      r.ProteinG.InexactFloat64(),
		"carbs_g":        r.CarbsG.InexactFloat64(),
		"fat_g":          r.FatG.InexactFloat64(),
		"budget":         r.Budget,
		"remaining":      r.Remaining.InexactFloat64(),
		"message_count":  r.MessageCount,
		"food_count":     r.FoodCount,
		"path":           r.Path,
		"url":            r.URL,
	}
}

// Aggregate sums calories and macros over every food of every message,
// regardless of role.
func Aggregate(msgs []ledger.Message) Totals {
	var t Totals
	for _, m := range msgs {
		t.MessageCount++
		for _, f := range m.Food {
			t.FoodCount++
			t.Calories = t.Calories.Add(decimal.NewFromFloat(f.Calories))
			t.ProteinG = t.ProteinG.Add(decimal.NewFromFloat(f.Macros.ProteinG))
			t.CarbsG = t.CarbsG.Add(decimal.NewFromFloat(f.Macros.CarbsG))
			t.FatG = t.FatG.Add(decimal.NewFromFloat(f.Macros.FatG))
		}
	}
	return t
}

// Aggregator produces daily reports.
type Aggregator struct {
	ledger  ledger.Store
	objects objectstore.Store
	format  string
	logger  *slog.Logger
}

// New creates an Aggregator. An empty format means PNG.
func New(store ledger.Store, objects objectstore.Store, format string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatPNG
	}
	return &Aggregator{
		ledger:  store,
		objects: objects,
		format:  format,
		logger:  logger.With("component", "report"),
	}
}

// Totals reads and sums the local day containing day without rendering.
func (a *Aggregator) Totals(ctx context.Context, p *ledger.Profile, day time.Time) (*DailyReport, error) {
	loc := p.Location()
	start, end := ledger.DayBounds(day, loc)

	msgs, err := a.ledger.Messages(ctx, p.UserID, ledger.Filter{Since: start, Before: end})
	if err != nil {
		return nil, fmt.Errorf("read day %s: %w", start.Format(DateLayout), err)
	}

	budget := p.CalorieBudget
	if budget == 0 {
		if b, err := ledger.ComputeBudget(p.Biometrics()); err == nil {
			budget = b
		}
	}

	r := &DailyReport{
		Date:   start.Format(DateLayout),
		Start:  start,
		End:    end,
		Totals: Aggregate(msgs),
		Budget: budget,
		Format: a.format,
	}
	r.Remaining = decimal.NewFromInt(int64(budget)).Sub(r.Calories)
	return r, nil
}

// Generate builds, renders and uploads the report for the local day
// containing day.
func (a *Aggregator) Generate(ctx context.Context, p *ledger.Profile, day time.Time) (*DailyReport, error) {
	r, err := a.Totals(ctx, p, day)
	if err != nil {
		return nil, err
	}

	var data []byte
	var contentType string
	switch a.format {
	case FormatHTML:
		data, err = RenderHTML(r, p.Name)
		contentType = "text/html; charset=utf-8"
	default:
		data, err = RenderPNG(r)
		contentType = "image/png"
		r.Format = FormatPNG
	}
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	path := fmt.Sprintf("reports/%s/report_%s.%s", p.UserID, r.Date, r.Format)
	ref, err := a.objects.Put(ctx, path, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}
	r.Path = ref

	url, err := a.objects.URL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("report url: %w", err)
	}
	r.URL = url

	a.logger.Info("daily report generated",
		"user_id", p.UserID,
		"date", r.Date,
		"calories", r.Calories.String(),
		"budget", r.Budget,
		"messages", r.MessageCount,
		"path", r.Path,
	)
	return r, nil
}
