package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"poolwatch/internal/alerting"
	"poolwatch/internal/domain"
	"poolwatch/internal/observability"
)

// SimulateOptions describe one synthetic dispatch.
type SimulateOptions struct {
	PoolID      string
	Price       decimal.Decimal
	LowerBound  decimal.Decimal
	UpperBound  decimal.Decimal
	StartupTest bool
}

// SimulateAlert 使用给定价格与区间走一遍告警分发流程。
// Real threshold simulations are written to every configured audit sink.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (domain.ChannelStatus, error) {
	if opts.PoolID == "" {
		opts.PoolID = a.Config.Monitor.PoolAddress
	}
	if opts.PoolID == "" {
		return "", errors.New("pool id not provided and monitor.pool_address not configured")
	}
	if opts.LowerBound.GreaterThan(opts.UpperBound) {
		return "", fmt.Errorf("lower bound %s exceeds upper bound %s", opts.LowerBound, opts.UpperBound)
	}

	dispatcher := a.newDispatcher(observability.NewMetrics(a.Config.App.Name))
	if !opts.StartupTest {
		cleanup, err := a.attachRecorders(ctx, dispatcher)
		if err != nil {
			return "", err
		}
		defer cleanup()
	}

	cfg := domain.WatchConfig{
		TargetID:   opts.PoolID,
		LowerBound: opts.LowerBound,
		UpperBound: opts.UpperBound,
	}
	sample := domain.PriceSample{
		TargetID:   opts.PoolID,
		Value:      opts.Price,
		ObservedAt: time.Now().UTC(),
	}

	if !opts.StartupTest && cfg.Armed() && !cfg.OutOfBounds(opts.Price) {
		a.Logger.Warn().Msg("simulated price is inside the range; dispatching anyway")
	}

	status := dispatcher.Dispatch(ctx, sample, cfg, opts.StartupTest)
	fmt.Fprintf(a.Out, "dispatch status: %s\n", status)
	return status, nil
}

// attachRecorders adds the postgres and redis audit sinks that are reachable
// and returns a func closing them.
func (a *App) attachRecorders(ctx context.Context, dispatcher *alerting.Dispatcher) (func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		dispatcher.AddRecorder("postgres", store)
	}

	_, redisStore, closeRedis := a.openConfigStore(ctx)
	if redisStore != nil {
		dispatcher.AddRecorder("redis", redisStore)
	}

	return func() {
		closeRedis()
		if closeStore != nil {
			closeStore()
		}
	}, nil
}
