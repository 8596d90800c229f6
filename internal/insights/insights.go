// Package insights derives actionable findings from stored state: expiring
// company documents, uncataloged items and price anomalies. Findings can be
// materialized as linked reminders.
package insights

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"srg/internal/logging"
	"srg/internal/store"
	"srg/internal/types"
)

// Insight kinds and their reminder namespaces. The prefix separates derived
// reminders from user-created ones.
const (
	KindExpiringDoc   = "expiring_doc"
	KindUnmatchedItem = "unmatched_item"
	KindPriceAnomaly  = "price_anomaly"

	linkedPrefix = "insight:"
)

// Severities used by the evaluator.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

const (
	defaultExpiryDays     = 30
	criticalWithinDays    = 7
	defaultRecentInvoices = 20
	defaultThreshold      = 0.20
)

// Options tunes one evaluation run.
type Options struct {
	ExpiryDays            int     `json:"expiry_days"`
	AutoCreate            bool    `json:"auto_create"`
	PriceAnomalyThreshold float64 `json:"price_anomaly_threshold,omitempty"`
	RecentInvoices        int     `json:"recent_invoices,omitempty"`
}

// Report is the outcome of one evaluation run.
type Report struct {
	Insights         []types.Insight `json:"insights"`
	RemindersCreated int             `json:"reminders_created"`
}

// Evaluator scans stored state for derived findings.
type Evaluator struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Evaluator {
	return &Evaluator{store: st, now: time.Now}
}

// Evaluate runs all three scans and optionally materializes reminders.
func (e *Evaluator) Evaluate(ctx context.Context, opts Options) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryInsights, "Evaluate")
	defer timer.Stop()

	if opts.ExpiryDays <= 0 {
		opts.ExpiryDays = defaultExpiryDays
	}
	if opts.PriceAnomalyThreshold <= 0 {
		opts.PriceAnomalyThreshold = defaultThreshold
	}
	if opts.RecentInvoices <= 0 {
		opts.RecentInvoices = defaultRecentInvoices
	}

	report := &Report{Insights: []types.Insight{}}

	expiring, err := e.expiringDocs(ctx, opts.ExpiryDays)
	if err != nil {
		return nil, err
	}
	report.Insights = append(report.Insights, expiring...)

	unmatched, err := e.unmatchedItems(ctx)
	if err != nil {
		return nil, err
	}
	report.Insights = append(report.Insights, unmatched...)

	anomalies, err := e.priceAnomalies(ctx, opts)
	if err != nil {
		return nil, err
	}
	report.Insights = append(report.Insights, anomalies...)

	if opts.AutoCreate {
		created, err := e.materialize(ctx, report.Insights)
		if err != nil {
			return nil, err
		}
		report.RemindersCreated = created
	}
	logging.Insights("Evaluation: %d insights, %d reminders created",
		len(report.Insights), report.RemindersCreated)
	return report, nil
}

func (e *Evaluator) today() time.Time {
	return e.now().UTC().Truncate(24 * time.Hour)
}

// expiringDocs flags company documents expiring within the window. Documents
// within seven days (or already expired) are critical, the rest warnings.
func (e *Evaluator) expiringDocs(ctx context.Context, days int) ([]types.Insight, error) {
	today := e.today()
	horizon := today.AddDate(0, 0, days).Format("2006-01-02")
	docs, err := e.store.ExpiringCompanyDocuments(ctx, horizon)
	if err != nil {
		return nil, err
	}

	var out []types.Insight
	for _, d := range docs {
		expiry, err := time.Parse("2006-01-02", d.ExpiryDate)
		if err != nil {
			continue
		}
		left := int(expiry.Sub(today).Hours() / 24)
		severity := SeverityWarning
		if left <= criticalWithinDays {
			severity = SeverityCritical
		}
		detail := fmt.Sprintf("%q expires on %s (%d days)", d.Title, d.ExpiryDate, left)
		if left < 0 {
			detail = fmt.Sprintf("%q expired on %s", d.Title, d.ExpiryDate)
		}
		out = append(out, types.Insight{
			Kind:           KindExpiringDoc,
			Severity:       severity,
			Title:          "Document expiring: " + d.Title,
			Detail:         detail,
			LinkedEntityID: strconv.FormatInt(d.ID, 10),
		})
	}
	return out, nil
}

// unmatchedItems flags line-item names that never reached the catalog,
// deduplicated by normalized name.
func (e *Evaluator) unmatchedItems(ctx context.Context) ([]types.Insight, error) {
	names, counts, err := e.store.UnmatchedItemNames(ctx, 50)
	if err != nil {
		return nil, err
	}
	var out []types.Insight
	for i, name := range names {
		out = append(out, types.Insight{
			Kind:           KindUnmatchedItem,
			Severity:       SeverityInfo,
			Title:          "Uncataloged item: " + name,
			Detail:         fmt.Sprintf("%q appears on %d invoice line(s) without a catalog match", name, counts[i]),
			LinkedEntityID: name,
		})
	}
	return out, nil
}

// priceAnomalies re-checks recent invoices against the price-history
// baseline, one insight per deviating item.
func (e *Evaluator) priceAnomalies(ctx context.Context, opts Options) ([]types.Insight, error) {
	invoices, err := e.store.ListInvoices(ctx, store.InvoiceFilter{
		LatestOnly: true,
		Limit:      opts.RecentInvoices,
	})
	if err != nil {
		return nil, err
	}

	var out []types.Insight
	seen := map[string]bool{}
	for _, inv := range invoices {
		items, err := e.store.GetLineItems(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.RowType != types.RowLineItem || it.UnitPrice <= 0 {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(it.ItemName))
			if seen[name] {
				continue
			}
			avg, count, err := e.store.PriceBaseline(ctx, name, inv.SellerName, inv.Currency, inv.ID)
			if err != nil {
				logging.InsightsDebug("Baseline lookup failed for %q: %v", name, err)
				continue
			}
			if count < 2 || avg <= 0 {
				continue
			}
			deviation := math.Abs(it.UnitPrice-avg) / avg
			if deviation <= opts.PriceAnomalyThreshold {
				continue
			}
			seen[name] = true
			out = append(out, types.Insight{
				Kind:     KindPriceAnomaly,
				Severity: SeverityWarning,
				Title:    "Price anomaly: " + it.ItemName,
				Detail: fmt.Sprintf("invoice %s has %s at %.2f, %.0f%% off the %.2f average (%d observations)",
					inv.InvoiceNo, it.ItemName, it.UnitPrice, deviation*100, avg, count),
				LinkedEntityID: strconv.FormatInt(it.ID, 10),
			})
		}
	}
	return out, nil
}

// materialize creates one linked reminder per insight that has no ACTIVE
// reminder yet. Dedupe ignores done rows: dismissing a reminder does not
// suppress the insight next time it fires.
func (e *Evaluator) materialize(ctx context.Context, insights []types.Insight) (int, error) {
	existing, err := e.store.ListReminders(ctx, false)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.LinkedEntityType+"|"+r.LinkedEntityID] = true
	}

	created := 0
	for _, in := range insights {
		linkedType := linkedPrefix + in.Kind
		if have[linkedType+"|"+in.LinkedEntityID] {
			continue
		}
		r := &types.Reminder{
			Title:            in.Title,
			Body:             in.Detail,
			Severity:         in.Severity,
			LinkedEntityType: linkedType,
			LinkedEntityID:   in.LinkedEntityID,
		}
		if err := e.store.InsertReminder(ctx, r); err != nil {
			return created, err
		}
		have[linkedType+"|"+in.LinkedEntityID] = true
		created++
	}
	return created, nil
}
