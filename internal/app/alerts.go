package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"manipwatch/internal/market"
	"manipwatch/internal/storage"
)

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit   int
	Market  string
	Pattern string
}

var errNoDatabase = errors.New("database not configured; set database.dsn")

// ShowAlerts prints persisted alerts, newest first.
func (a *App) ShowAlerts(ctx context.Context, opts AlertsOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	records, err := store.ListRecentAlerts(ctx, storage.AlertFilter{
		Market:  strings.ToUpper(opts.Market),
		Pattern: market.PatternType(strings.ToUpper(opts.Pattern)),
		Limit:   opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAge\tMarket\tPattern\tScore\tRisk\tExplanation")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Time.UTC().Format(time.RFC3339),
			humanize.Time(rec.Time),
			rec.Market,
			rec.Pattern,
			decimal.NewFromFloat(rec.Score).StringFixed(2),
			rec.Risk,
			sanitizeInline(rec.Explanation),
		)
	}
	return writer.Flush()
}

// ShowEvents prints monitor warning events such as demotions and suspensions.
func (a *App) ShowEvents(ctx context.Context, limit int, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	events, err := store.ListRecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tMarket\tKind\tFailures\tMessage")
	for _, ev := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			ev.Time.UTC().Format(time.RFC3339), ev.Market, ev.Kind, ev.Failures, sanitizeInline(ev.Message))
	}
	return writer.Flush()
}

// PruneAlerts deletes alerts older than the retention period.
func (a *App) PruneAlerts(ctx context.Context, olderThan time.Duration, out io.Writer) error {
	if olderThan <= 0 {
		return fmt.Errorf("retention must be greater than zero")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned alerts")
	fmt.Fprintf(out, "deleted %s alerts older than %s\n", humanize.Comma(n), cutoff.Format(time.RFC3339))
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
