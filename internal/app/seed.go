package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"poolwatch/internal/configstore"
	"poolwatch/internal/domain"
)

// SeedConfig writes the watched pool and bounds to the remote configuration
// document. Running monitors pick the change up through the change channel.
func (a *App) SeedConfig(ctx context.Context, opts SeedOptions) error {
	update, err := opts.toUpdate()
	if err != nil {
		return err
	}

	store, redisStore, closeRedis := a.openConfigStore(ctx)
	defer closeRedis()
	if err := store.Write(ctx, update); err != nil {
		return fmt.Errorf("seed configuration: %w", err)
	}

	current, _, err := redisStore.Read(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "pool: %s\nlower bound: %s\nupper bound: %s\n",
		derefOr(current.WatchedTargetID, "-"),
		decimalOr(current.LowerBound, "0"),
		decimalOr(current.UpperBound, "0"),
	)
	return nil
}

func (o SeedOptions) toUpdate() (domain.ConfigUpdate, error) {
	var update domain.ConfigUpdate
	if o.PoolID == nil && o.LowerBound == nil && o.UpperBound == nil {
		return update, fmt.Errorf("nothing to seed: pass --pool, --lower or --upper")
	}
	if o.PoolID != nil {
		id := strings.TrimSpace(*o.PoolID)
		update.WatchedTargetID = &id
	}

	var err error
	if update.LowerBound, err = parseBound("lower", o.LowerBound); err != nil {
		return update, err
	}
	if update.UpperBound, err = parseBound("upper", o.UpperBound); err != nil {
		return update, err
	}
	if update.LowerBound != nil && update.UpperBound != nil {
		if err := configstore.ValidateBounds(*update.LowerBound, *update.UpperBound); err != nil {
			return update, err
		}
	}
	return update, nil
}

func parseBound(name string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("invalid %s bound %q: %w", name, *raw, err)
	}
	return &d, nil
}

func derefOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func decimalOr(v *decimal.Decimal, fallback string) string {
	if v == nil {
		return fallback
	}
	return v.String()
}
