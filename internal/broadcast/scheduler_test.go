package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/domain"
	"github.com/pscheid92/eggstream/internal/subscription"
	"github.com/pscheid92/eggstream/internal/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, payload)
	return nil
}

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type stubOracle struct {
	mu       sync.Mutex
	statuses map[domain.SensorID]domain.SensorStatus
	errs     map[domain.SensorID]error
	panics   atomic.Bool
	queries  atomic.Int64
}

func newStubOracle() *stubOracle {
	return &stubOracle{
		statuses: make(map[domain.SensorID]domain.SensorStatus),
		errs:     make(map[domain.SensorID]error),
	}
}

func (o *stubOracle) set(id domain.SensorID, active bool, rate float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[id] = domain.SensorStatus{Active: active, RateHz: rate}
}

func (o *stubOracle) fail(id domain.SensorID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[id] = err
}

func (o *stubOracle) QueryActive(_ context.Context, id domain.SensorID) (domain.SensorStatus, error) {
	o.queries.Add(1)
	if o.panics.Load() {
		panic("catalog exploded")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errs[id]; err != nil {
		return domain.SensorStatus{}, err
	}
	return o.statuses[id], nil
}

type fixture struct {
	registry  *subscription.Registry
	generator *waveform.Generator
	oracle    *stubOracle
	metrics   *metrics.SchedulerMetrics
	scheduler *Scheduler
}

func newFixture(t *testing.T, clock clockwork.Clock) *fixture {
	t.Helper()
	f := &fixture{
		registry:  subscription.NewRegistry(),
		generator: waveform.NewGenerator(waveform.WithSeed(7), waveform.WithArtifactRate(0)),
		oracle:    newStubOracle(),
		metrics:   metrics.NewSchedulerMetrics(prometheus.NewRegistry()),
	}
	f.scheduler = NewScheduler(f.registry, f.generator, f.oracle, clock, f.metrics, Config{
		Interval:   time.Second,
		Backoff:    5 * time.Second,
		MaxBackoff: 60 * time.Second,
	})
	return f
}

func decodeDirect(t *testing.T, frame []byte) DataMessage {
	t.Helper()
	var msg DataMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func decodeGlobal(t *testing.T, frame []byte) BatchDataMessage {
	t.Helper()
	var msg BatchDataMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

var tickTime = time.Unix(1_700_000_000, 0)

func TestTick_DirectSubscriberGetsOneBatchedFrame(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 5)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(conn, 1))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)

	assert.Equal(t, TickReport{Candidates: 1, Active: 1, Points: 5, Direct: 1}, report)

	frames := conn.received()
	require.Len(t, frames, 1)
	msg := decodeDirect(t, frames[0])
	assert.Equal(t, EventData, msg.Event)
	assert.Equal(t, domain.SensorID(1), msg.SensorID)
	require.Len(t, msg.Points, 5)

	now := float64(tickTime.Unix())
	for i, p := range msg.Points {
		assert.InDelta(t, now-1+0.2*float64(i+1), p.Timestamp, 1e-6)
		assert.LessOrEqual(t, math.Abs(p.Value), 1.0)
	}
	last := msg.Points[len(msg.Points)-1]
	assert.InDelta(t, now, last.Timestamp, 1e-6)
	assert.Equal(t, last.Timestamp, msg.Timestamp)
	assert.Equal(t, last.Value, msg.Value)
}

func TestTick_GlobalFrameContainsOnlySubscribedSensors(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	for _, id := range []domain.SensorID{1, 2, 3} {
		f.oracle.set(id, true, 10)
	}

	watcher := &recordingConn{id: "global"}
	require.NoError(t, f.registry.ConnectGlobal(watcher))
	require.NoError(t, f.registry.UpdateGlobalSubscription(watcher, []domain.SensorID{1, 3}))

	// sensor 2 only becomes a candidate through a direct subscriber
	other := &recordingConn{id: "direct-2"}
	require.NoError(t, f.registry.ConnectDirect(other, 2))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Active)
	assert.Equal(t, 1, report.Global)

	frames := watcher.received()
	require.Len(t, frames, 1)
	msg := decodeGlobal(t, frames[0])
	assert.Equal(t, EventBatchData, msg.Event)
	assert.Len(t, msg.Data, 2)
	assert.Len(t, msg.Data["1"], 10)
	assert.Len(t, msg.Data["3"], 10)
	assert.NotContains(t, msg.Data, "2")
}

func TestTick_GlobalFrameSkippedWhenNothingSubscribedIsActive(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 10)
	f.oracle.set(4, false, 10)

	watcher := &recordingConn{id: "global"}
	require.NoError(t, f.registry.ConnectGlobal(watcher))
	require.NoError(t, f.registry.UpdateGlobalSubscription(watcher, []domain.SensorID{4}))
	require.NoError(t, f.registry.ConnectDirect(&recordingConn{id: "d"}, 1))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Global)
	assert.Empty(t, watcher.received())
}

func TestTick_InactiveSensorLosesGeneratorState(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 10)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(conn, 1))

	_, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)
	_, tracked := f.generator.Rate(1)
	require.True(t, tracked)

	f.oracle.set(1, false, 10)
	report, err := f.scheduler.Tick(context.Background(), tickTime.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, report.Active)
	_, tracked = f.generator.Rate(1)
	assert.False(t, tracked)
	assert.Len(t, conn.received(), 1, "no frame for an inactive sensor")
}

func TestTick_UnsubscribedSensorLosesGeneratorState(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 10)
	f.oracle.set(2, true, 10)
	first := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(first, 1))
	require.NoError(t, f.registry.ConnectDirect(&recordingConn{id: "b"}, 2))

	_, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)
	require.Equal(t, 2, f.generator.Len())

	f.registry.Disconnect(first)
	f.oracle.set(1, false, 10)
	_, err = f.scheduler.Tick(context.Background(), tickTime.Add(time.Second))
	require.NoError(t, err)

	_, tracked := f.generator.Rate(1)
	assert.False(t, tracked)
	_, tracked = f.generator.Rate(2)
	assert.True(t, tracked)

	f.registry.Disconnect(&recordingConn{id: "b"})
	_, err = f.scheduler.Tick(context.Background(), tickTime.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, f.generator.Len(), "idle tick clears leftover state")
}

func TestTick_OversizedRateDoesNotStarveOtherSensors(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 1e17)
	f.oracle.set(2, true, 5)
	require.NoError(t, f.registry.ConnectDirect(&recordingConn{id: "a"}, 1))
	healthy := &recordingConn{id: "b"}
	require.NoError(t, f.registry.ConnectDirect(healthy, 2))

	require.NoError(t, f.scheduler.runTick(context.Background()))

	frames := healthy.received()
	require.Len(t, frames, 1)
	assert.Len(t, decodeDirect(t, frames[0]).Points, 5)
}

func TestTick_ZeroRateCountsAsInactive(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 0)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(conn, 1))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Active)
	assert.Empty(t, conn.received())
}

func TestTick_OracleFailureIsInactiveForThisTickOnly(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 2)
	f.oracle.fail(1, errors.New("redis: connection refused"))
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(conn, 1))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err, "oracle errors never fail the tick")
	assert.Equal(t, 0, report.Active)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.OracleFailures), 0)

	f.oracle.fail(1, nil)
	report, err = f.scheduler.Tick(context.Background(), tickTime.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Active)
	assert.Len(t, conn.received(), 1)
}

func TestTick_FailedSendPrunesOnlyThatConnection(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 4)

	broken := &recordingConn{id: "broken", sendErr: errors.New("queue full")}
	healthy := &recordingConn{id: "healthy"}
	require.NoError(t, f.registry.ConnectDirect(broken, 1))
	require.NoError(t, f.registry.ConnectDirect(healthy, 1))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Len(t, healthy.received(), 1)
	_, stillThere := f.registry.Subscription(broken)
	assert.False(t, stillThere)
	assert.Equal(t, 1, f.registry.Len())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.SendFailures), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.MessagesSent.WithLabelValues("direct")), 0)
}

func TestTick_ConsecutiveBatchesStayContinuous(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))
	f.oracle.set(1, true, 10)
	conn := &recordingConn{id: "a"}
	require.NoError(t, f.registry.ConnectDirect(conn, 1))

	for i := range 5 {
		_, err := f.scheduler.Tick(context.Background(), tickTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	var points []domain.Point
	for _, frame := range conn.received() {
		points = append(points, decodeDirect(t, frame).Points...)
	}
	require.Len(t, points, 50)

	const maxStep = 0.2*0.1 + 1e-6 // slew limit per 100ms plus rounding
	for i := 1; i < len(points); i++ {
		assert.Greater(t, points[i].Timestamp, points[i-1].Timestamp)
		assert.LessOrEqual(t, math.Abs(points[i].Value-points[i-1].Value), maxStep, "jump at point %d", i)
	}
}

func TestTick_IdleIsNoOp(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClockAt(tickTime))

	report, err := f.scheduler.Tick(context.Background(), tickTime)
	require.NoError(t, err)

	assert.Equal(t, TickReport{}, report)
	assert.Zero(t, f.oracle.queries.Load())
}

func TestRun_TicksOnInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, clockwork.NewRealClock())
		f.oracle.set(1, true, 5)
		conn := &recordingConn{id: "a"}
		require.NoError(t, f.registry.ConnectDirect(conn, 1))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.scheduler.Run(ctx) }()

		synctest.Wait()
		assert.Equal(t, StateRunning, f.scheduler.State())
		assert.Empty(t, conn.received())

		time.Sleep(3*time.Second + time.Millisecond)
		synctest.Wait()

		assert.Len(t, conn.received(), 3)
		assert.Equal(t, uint64(3), f.scheduler.Stats().Ticks)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, StateStopped, f.scheduler.State())
	})
}

func TestRun_BacksOffAfterFailureAndRecovers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, clockwork.NewRealClock())
		f.oracle.set(1, true, 1)
		f.oracle.panics.Store(true)
		require.NoError(t, f.registry.ConnectDirect(&recordingConn{id: "a"}, 1))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.scheduler.Run(ctx) }()

		// first tick at t=1s fails
		time.Sleep(time.Second + time.Millisecond)
		synctest.Wait()
		stats := f.scheduler.Stats()
		assert.Equal(t, StateBackingOff, stats.State)
		assert.Equal(t, uint64(1), stats.Failures)
		assert.Equal(t, uint64(1), stats.ConsecutiveFailures)

		// no tick during the 5s backoff
		time.Sleep(4 * time.Second)
		synctest.Wait()
		assert.Equal(t, uint64(1), f.scheduler.Stats().Failures)

		// second failure at t=6s doubles the backoff to 10s
		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, uint64(2), f.scheduler.Stats().ConsecutiveFailures)

		f.oracle.panics.Store(false)
		time.Sleep(9 * time.Second)
		synctest.Wait()
		assert.Equal(t, uint64(0), f.scheduler.Stats().Ticks)

		time.Sleep(time.Second)
		synctest.Wait()
		stats = f.scheduler.Stats()
		assert.Equal(t, StateRunning, stats.State)
		assert.Equal(t, uint64(1), stats.Ticks)
		assert.Equal(t, uint64(0), stats.ConsecutiveFailures)
		assert.Equal(t, uint64(2), stats.Failures)
		assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.TickFailures), 0)

		// regular cadence again
		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, uint64(2), f.scheduler.Stats().Ticks)

		cancel()
		require.NoError(t, <-done)
	})
}

func TestRun_RejectsSecondStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, clockwork.NewRealClock())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.scheduler.Run(ctx) }()
		synctest.Wait()

		assert.ErrorIs(t, f.scheduler.Run(ctx), ErrAlreadyStarted)

		cancel()
		require.NoError(t, <-done)
		assert.ErrorIs(t, f.scheduler.Run(context.Background()), ErrAlreadyStarted)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "backing_off", StateBackingOff.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
