package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"poolwatch/internal/domain"
)

// Audit sources for show-alerts.
const (
	SourcePostgres = "postgres"
	SourceRedis    = "redis"
)

// ShowAlerts prints the most recent audit records.
func (a *App) ShowAlerts(ctx context.Context, opts ShowOptions) error {
	records, err := a.recentAlerts(ctx, opts.Source, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPool\tPrice\tRange\tStatus\tMessage")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s - %s\t%s\t%s\n",
			rec.DispatchedAt.UTC().Format(time.RFC3339),
			shortID(rec.TargetID),
			formatDecimal(rec.Price, 6),
			rec.LowerBound.String(),
			rec.UpperBound.String(),
			rec.ChannelStatus,
			sanitizeInline(firstLine(rec.Message)),
		)
	}

	return writer.Flush()
}

func (a *App) recentAlerts(ctx context.Context, source string, limit int) ([]domain.AlertRecord, error) {
	if source == "" {
		source = SourcePostgres
		if a.Config.Database.DSN == "" {
			source = SourceRedis
		}
	}

	switch source {
	case SourcePostgres:
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.New("database not configured; cannot show alerts")
		}
		defer closeStore()
		return store.ListRecentAlerts(ctx, limit)
	case SourceRedis:
		_, redisStore, closeRedis := a.openConfigStore(ctx)
		defer closeRedis()
		if redisStore == nil {
			return nil, errors.New("redis not available; cannot show alerts")
		}
		return redisStore.RecentAlerts(ctx, limit)
	default:
		return nil, fmt.Errorf("unknown source %q (want %s or %s)", source, SourcePostgres, SourceRedis)
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:4] + "…" + id[len(id)-4:]
}

func firstLine(v string) string {
	if idx := strings.IndexByte(v, '\n'); idx >= 0 {
		return v[:idx]
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
