package monitor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolwatch/internal/alerting"
	"poolwatch/internal/config"
	"poolwatch/internal/domain"
	"poolwatch/internal/hub"
	"poolwatch/internal/observability"
)

type fakeOracle struct {
	mu     sync.Mutex
	states map[string]domain.PoolState
	err    error
	calls  []string
}

func (f *fakeOracle) PoolState(_ context.Context, poolID string) (domain.PoolState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, poolID)
	if f.err != nil {
		return domain.PoolState{}, f.err
	}
	return f.states[poolID], nil
}

func (f *fakeOracle) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

type dispatchCall struct {
	sample      domain.PriceSample
	cfg         domain.WatchConfig
	startupTest bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(_ context.Context, sample domain.PriceSample, cfg domain.WatchConfig, startupTest bool) domain.ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{sample: sample, cfg: cfg, startupTest: startupTest})
	return domain.ChannelSuccess
}

func (f *fakeDispatcher) alerts() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatchCall
	for _, c := range f.calls {
		if !c.startupTest {
			out = append(out, c)
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []hub.Event
}

func (f *fakeBroadcaster) Broadcast(ev hub.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 1
}

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

func ptr[T any](v T) *T {
	return &v
}

func solState(pool string, price string) domain.PoolState {
	return domain.PoolState{
		PoolID:    pool,
		Price:     decimal.RequireFromString(price),
		BaseMint:  solMint,
		QuoteMint: config.USDCMint,
	}
}

type fixture struct {
	monitor    *Monitor
	oracle     *fakeOracle
	dispatcher *fakeDispatcher
	events     *fakeBroadcaster
	metrics    *observability.Metrics
	logs       *bytes.Buffer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		oracle:     &fakeOracle{states: map[string]domain.PoolState{}},
		dispatcher: &fakeDispatcher{},
		events:     &fakeBroadcaster{},
		metrics:    observability.NewMetrics("test"),
		logs:       &bytes.Buffer{},
	}
	if opts.QuoteMints == nil {
		opts.QuoteMints = []string{config.USDCMint, config.USDTMint}
	}
	f.monitor = New(opts, Deps{
		Oracle:      f.oracle,
		Dispatcher:  f.dispatcher,
		Broadcaster: f.events,
		Metrics:     f.metrics,
	}, zerolog.New(zerolog.SyncWriter(f.logs)))
	return f
}

func (f *fixture) setBounds(lower, upper int64) {
	f.monitor.ApplyUpdate(domain.ConfigUpdate{
		LowerBound: ptr(decimal.NewFromInt(lower)),
		UpperBound: ptr(decimal.NewFromInt(upper)),
	})
}

func TestPollOutOfBoundsDispatchesOnce(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = solState("pool-1", "175")
	f.setBounds(180, 200)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))

	alerts := f.dispatcher.alerts()
	require.Len(t, alerts, 1)
	msg := alerting.RenderMessage(alerts[0].sample, alerts[0].cfg, false)
	assert.Contains(t, msg, "180")
	assert.Contains(t, msg, "200")
	assert.Contains(t, msg, "175.000000")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(observability.PollBreached)))
}

func TestPollAboveUpperBoundDispatches(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = solState("pool-1", "200.01")
	f.setBounds(180, 200)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))

	assert.Len(t, f.dispatcher.alerts(), 2)
}

func TestPollWithinBoundsIsSilent(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.setBounds(180, 200)

	for _, price := range []string{"180", "190.5", "200"} {
		f.oracle.states["pool-1"] = solState("pool-1", price)
		require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	}

	assert.Empty(t, f.dispatcher.alerts())
}

func TestPollUnconfiguredNeverAlerts(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})

	for _, price := range []string{"500", "0.0001", "180"} {
		f.oracle.states["pool-1"] = solState("pool-1", price)
		require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	}

	assert.Empty(t, f.dispatcher.calls)
	assert.Contains(t, f.logs.String(), "waiting for configuration")
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(observability.PollWaiting)))
}

func TestExplicitSentinelDisarms(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = solState("pool-1", "500")
	f.setBounds(180, 200)
	f.setBounds(0, 0)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Empty(t, f.dispatcher.calls)
	assert.False(t, f.monitor.Snapshot().Armed())
}

func TestTargetChangeAppliesToNextPoll(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = solState("pool-1", "190")
	f.oracle.states["pool-2"] = solState("pool-2", "190")
	f.setBounds(180, 200)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Equal(t, "pool-1", f.oracle.lastCall())

	f.monitor.ApplyUpdate(domain.ConfigUpdate{WatchedTargetID: ptr("pool-2")})
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Equal(t, "pool-2", f.oracle.lastCall())

	snap := f.monitor.Snapshot()
	assert.Equal(t, "pool-2", snap.TargetID)
	assert.True(t, snap.LowerBound.Equal(decimal.NewFromInt(180)))

	var poolUpdates []hub.PoolUpdate
	for _, ev := range f.events.events {
		if pu, ok := ev.(hub.PoolUpdate); ok {
			poolUpdates = append(poolUpdates, pu)
		}
	}
	require.Len(t, poolUpdates, 1)
	assert.Equal(t, "pool-2", poolUpdates[0].PoolID)
}

func TestInvertedBoundsRejected(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.setBounds(180, 200)

	f.monitor.ApplyUpdate(domain.ConfigUpdate{LowerBound: ptr(decimal.NewFromInt(250))})

	snap := f.monitor.Snapshot()
	assert.True(t, snap.LowerBound.Equal(decimal.NewFromInt(180)))
	assert.True(t, snap.UpperBound.Equal(decimal.NewFromInt(200)))
	assert.Contains(t, f.logs.String(), "configuration error")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ConfigUpdates.WithLabelValues("rejected")))
}

func TestInvertedBoundsKeepPoolChange(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.setBounds(180, 200)

	f.monitor.ApplyUpdate(domain.ConfigUpdate{
		WatchedTargetID: ptr("pool-2"),
		LowerBound:      ptr(decimal.NewFromInt(250)),
	})

	snap := f.monitor.Snapshot()
	assert.Equal(t, "pool-2", snap.TargetID)
	assert.True(t, snap.LowerBound.Equal(decimal.NewFromInt(180)))
	assert.True(t, snap.UpperBound.Equal(decimal.NewFromInt(200)))
	assert.Contains(t, f.logs.String(), "applying pool change with previous bounds")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ConfigUpdates.WithLabelValues("partial")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ConfigUpdates.WithLabelValues("rejected")))
}

func TestOracleFailureDoesNotAlert(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.err = errors.New("rpc down")
	f.setBounds(180, 200)

	err := f.monitor.Poll(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc down")
	assert.Empty(t, f.dispatcher.calls)

	f.oracle.err = nil
	f.oracle.states["pool-1"] = solState("pool-1", "150")
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Len(t, f.dispatcher.alerts(), 1)
}

func TestPollPublishesPriceUpdate(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = domain.PoolState{
		PoolID:    "pool-1",
		Price:     decimal.RequireFromString("0.005"),
		BaseMint:  config.USDCMint,
		QuoteMint: solMint,
	}
	f.setBounds(180, 220)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))

	require.NotEmpty(t, f.events.events)
	update, ok := f.events.events[len(f.events.events)-1].(hub.PriceUpdate)
	require.True(t, ok)
	assert.True(t, update.Price.Equal(decimal.NewFromInt(200)))
	assert.True(t, update.Inverted)
	assert.True(t, update.InRange)
	assert.True(t, update.Armed)
	assert.Empty(t, f.dispatcher.calls)
}

func TestArmNoticeSentOnce(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1", NotifyOnArm: true})
	f.oracle.states["pool-1"] = solState("pool-1", "190")

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Empty(t, f.dispatcher.calls)

	f.setBounds(180, 200)
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))

	require.Len(t, f.dispatcher.calls, 1)
	assert.True(t, f.dispatcher.calls[0].startupTest)
	assert.Empty(t, f.dispatcher.alerts())
}

func TestArmingTickOutOfBoundsDispatchesOnce(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1", NotifyOnArm: true})
	f.oracle.states["pool-1"] = solState("pool-1", "175")
	f.setBounds(180, 200)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))

	require.Len(t, f.dispatcher.calls, 1)
	assert.False(t, f.dispatcher.calls[0].startupTest)

	// the notice is consumed, not deferred to a later in-range tick
	f.oracle.states["pool-1"] = solState("pool-1", "190")
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Len(t, f.dispatcher.calls, 1)
}

func TestPollSkipsWhenLockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{}
	f := newFixture(t, Options{InitialTarget: "pool-1", LockKey: 7})
	f.monitor.deps.Locker = locker
	f.setBounds(180, 200)

	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Empty(t, f.oracle.calls)

	locker.acquired = true
	f.oracle.states["pool-1"] = solState("pool-1", "190")
	require.NoError(t, f.monitor.Poll(context.Background(), time.Now()))
	assert.Len(t, f.oracle.calls, 1)
	assert.Equal(t, 1, locker.unlocked)
}

func TestConcurrentUpdatesAndPolls(t *testing.T) {
	f := newFixture(t, Options{InitialTarget: "pool-1"})
	f.oracle.states["pool-1"] = solState("pool-1", "190")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			f.setBounds(int64(100+i), int64(300+i))
		}(i)
		go func() {
			defer wg.Done()
			_ = f.monitor.Poll(context.Background(), time.Now())
		}()
	}
	wg.Wait()

	snap := f.monitor.Snapshot()
	assert.True(t, snap.Armed())
	assert.True(t, snap.LowerBound.LessThan(snap.UpperBound))
	assert.Empty(t, f.dispatcher.alerts())
}
