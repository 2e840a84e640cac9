// Package monitor polls the watched pool and raises alerts when its price
// leaves the configured range.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"poolwatch/internal/domain"
	"poolwatch/internal/hub"
	"poolwatch/internal/observability"
	"poolwatch/internal/oracle"
	"poolwatch/internal/scheduler"
	"poolwatch/internal/storage"
)

// Dispatcher delivers one alert. It never fails outward.
type Dispatcher interface {
	Dispatch(ctx context.Context, sample domain.PriceSample, cfg domain.WatchConfig, startupTest bool) domain.ChannelStatus
}

// Broadcaster fans events out to dashboard clients.
type Broadcaster interface {
	Broadcast(ev hub.Event) int
}

// Options seed the monitor.
type Options struct {
	InitialTarget string
	QuoteMints    []string
	NotifyOnArm   bool
	LockKey       int64
}

// Deps are the monitor's collaborators. Broadcaster, Locker and Metrics are
// optional.
type Deps struct {
	Oracle      oracle.Oracle
	Dispatcher  Dispatcher
	Broadcaster Broadcaster
	Locker      storage.AdvisoryLocker
	Metrics     *observability.Metrics
}

// Monitor holds the live watch configuration as an immutable snapshot that
// is replaced whole on every update.
type Monitor struct {
	deps     Deps
	orienter Orienter
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	cfg        atomic.Pointer[domain.WatchConfig]
	pendingArm atomic.Bool
}

// New constructs a monitor in the unconfigured state.
func New(opts Options, deps Deps, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		deps:     deps,
		orienter: NewOrienter(opts.QuoteMints),
		opts:     opts,
		logger:   logger.With().Str("component", "monitor").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.cfg.Store(&domain.WatchConfig{TargetID: opts.InitialTarget})
	return m
}

// Run polls immediately and then on every scheduler tick until ctx ends.
func (m *Monitor) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, m.Poll)
}

// Snapshot returns the configuration the next poll will use.
func (m *Monitor) Snapshot() domain.WatchConfig {
	return *m.cfg.Load()
}

// ApplyUpdate merges a configuration change into a new snapshot. Bounds
// that would invert are rejected; a pool change in the same update is still
// applied with the previous bounds.
func (m *Monitor) ApplyUpdate(u domain.ConfigUpdate) {
	var prev, next, rejected domain.WatchConfig
	var boundsRejected bool
	for {
		cur := m.cfg.Load()
		prev = *cur
		next = prev.Apply(u, m.now())
		boundsRejected = next.Inverted()
		if boundsRejected {
			rejected = next
			next = prev.Apply(domain.ConfigUpdate{WatchedTargetID: u.WatchedTargetID, LastUpdated: u.LastUpdated}, m.now())
			if next.TargetID == prev.TargetID {
				m.logger.Error().
					Str("lower_bound", rejected.LowerBound.String()).
					Str("upper_bound", rejected.UpperBound.String()).
					Msg("configuration error: lower bound exceeds upper bound; keeping previous bounds")
				m.countUpdate("rejected")
				return
			}
		}
		if m.cfg.CompareAndSwap(cur, &next) {
			break
		}
	}
	if boundsRejected {
		m.logger.Error().
			Str("lower_bound", rejected.LowerBound.String()).
			Str("upper_bound", rejected.UpperBound.String()).
			Str("pool", next.TargetID).
			Msg("configuration error: lower bound exceeds upper bound; applying pool change with previous bounds")
		m.countUpdate("partial")
	} else {
		m.countUpdate("applied")
	}

	m.logger.Info().
		Str("pool", next.TargetID).
		Str("lower_bound", next.LowerBound.String()).
		Str("upper_bound", next.UpperBound.String()).
		Bool("armed", next.Armed()).
		Msg("watch configuration updated")

	switch {
	case !prev.Armed() && next.Armed():
		m.logger.Info().Msg("monitor armed")
		if m.opts.NotifyOnArm {
			m.pendingArm.Store(true)
		}
	case prev.Armed() && !next.Armed():
		m.logger.Info().Msg("monitor disarmed; alerts suppressed until bounds are set")
	}

	if next.TargetID != prev.TargetID && m.deps.Broadcaster != nil {
		lower, upper := next.LowerBound, next.UpperBound
		m.deps.Broadcaster.Broadcast(hub.PoolUpdate{PoolID: next.TargetID, LowerBound: &lower, UpperBound: &upper})
	}
}

// Poll runs one watch cycle. Oracle failures are returned for the scheduler
// to log; the next tick retries.
func (m *Monitor) Poll(ctx context.Context, at time.Time) error {
	start := time.Now()
	defer func() {
		if m.deps.Metrics != nil {
			m.deps.Metrics.PollDuration.Observe(time.Since(start).Seconds())
		}
	}()

	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		m.countPoll(observability.PollError)
		return err
	}
	if !proceed {
		m.logger.Debug().Time("at", at).Msg("skip poll because advisory lock held elsewhere")
		m.countPoll(observability.PollSkipped)
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := m.poll(ctx)
	m.countPoll(result)
	return err
}

func (m *Monitor) poll(ctx context.Context) (string, error) {
	cfg := m.Snapshot()
	if cfg.TargetID == "" {
		m.logger.Warn().Msg("no pool to watch; waiting for configuration")
		return observability.PollWaiting, nil
	}

	state, err := m.deps.Oracle.PoolState(ctx, cfg.TargetID)
	if err != nil {
		return observability.PollError, fmt.Errorf("fetch pool %s: %w", cfg.TargetID, err)
	}

	price, inverted, err := m.orienter.Orient(state)
	if err != nil {
		return observability.PollError, fmt.Errorf("orient pool %s: %w", cfg.TargetID, err)
	}

	sample := domain.PriceSample{
		TargetID:            cfg.TargetID,
		Value:               price,
		ObservedAt:          m.now(),
		OrientationInverted: inverted,
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.LastPrice.Set(price.InexactFloat64())
	}
	m.publish(sample, cfg)

	if !cfg.Armed() {
		m.logger.Info().
			Str("pool", cfg.TargetID).
			Str("price", price.String()).
			Msg("price observed; waiting for configuration")
		return observability.PollWaiting, nil
	}

	armNotice := m.pendingArm.CompareAndSwap(true, false)

	if !cfg.OutOfBounds(price) {
		if armNotice {
			m.deps.Dispatcher.Dispatch(ctx, sample, cfg, true)
		}
		m.logger.Debug().Str("pool", cfg.TargetID).Str("price", price.String()).Msg("price within bounds")
		return observability.PollOK, nil
	}

	// one dispatch per tick: the breach alert replaces the arm notice
	if armNotice {
		m.logger.Info().Msg("price already out of bounds on arming; sending breach alert only")
	}

	m.logger.Warn().
		Str("pool", cfg.TargetID).
		Str("price", price.String()).
		Str("lower_bound", cfg.LowerBound.String()).
		Str("upper_bound", cfg.UpperBound.String()).
		Msg("price out of bounds")
	status := m.deps.Dispatcher.Dispatch(ctx, sample, cfg, false)
	m.logger.Info().Str("status", string(status)).Msg("alert dispatched")
	return observability.PollBreached, nil
}

func (m *Monitor) publish(sample domain.PriceSample, cfg domain.WatchConfig) {
	if m.deps.Broadcaster == nil {
		return
	}
	m.deps.Broadcaster.Broadcast(hub.PriceUpdate{
		PoolID:     sample.TargetID,
		Price:      sample.Value,
		Inverted:   sample.OrientationInverted,
		LowerBound: cfg.LowerBound,
		UpperBound: cfg.UpperBound,
		Armed:      cfg.Armed(),
		InRange:    cfg.Armed() && !cfg.OutOfBounds(sample.Value),
	})
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.deps.Locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (m *Monitor) countPoll(result string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.PollsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Monitor) countUpdate(outcome string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.ConfigUpdates.WithLabelValues(outcome).Inc()
	}
}
