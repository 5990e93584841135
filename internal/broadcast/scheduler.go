package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/domain"
	"github.com/pscheid92/eggstream/internal/platform/correlation"
	"github.com/pscheid92/eggstream/internal/platform/retry"
	"github.com/pscheid92/eggstream/internal/subscription"
	"github.com/pscheid92/eggstream/internal/waveform"
)

const (
	oracleTimeout  = 2 * time.Second
	slowTickBudget = 250 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("scheduler already started")

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing_off"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	Interval   time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Stats is a point-in-time view of the tick loop.
type Stats struct {
	State               State
	Ticks               uint64
	Failures            uint64
	ConsecutiveFailures uint64
}

// TickReport summarizes one successful tick.
type TickReport struct {
	Candidates int
	Active     int
	Points     int
	Direct     int
	Global     int
	Failed     int
}

// Scheduler drives the per-tick cycle: resolve candidate sensors, ask the
// oracle which are active, synthesize their batches and hand one frame per
// connection to the registry. Run is the only writer of generator state.
type Scheduler struct {
	registry  *subscription.Registry
	generator *waveform.Generator
	oracle    domain.ActivityOracle
	clock     clockwork.Clock
	metrics   *metrics.SchedulerMetrics
	interval  time.Duration
	backoff   *retry.Backoff

	state       atomic.Int32
	ticks       atomic.Uint64
	failures    atomic.Uint64
	consecutive atomic.Uint64
}

func NewScheduler(registry *subscription.Registry, generator *waveform.Generator, oracle domain.ActivityOracle, clock clockwork.Clock, m *metrics.SchedulerMetrics, cfg Config) *Scheduler {
	return &Scheduler{
		registry:  registry,
		generator: generator,
		oracle:    oracle,
		clock:     clock,
		metrics:   m,
		interval:  cfg.Interval,
		backoff:   retry.NewBackoff(cfg.Backoff, cfg.MaxBackoff),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		State:               s.State(),
		Ticks:               s.ticks.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
	}
}

// Run ticks until ctx is cancelled. A failed tick is abandoned and the next
// one waits for the current backoff instead of the regular interval.
// Run returns nil on cancellation; it never stops because of a tick failure.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer s.state.Store(int32(StateStopped))

	slog.Info("Broadcast scheduler started", "interval", s.interval)

	next := s.clock.Now().Add(s.interval)
	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Broadcast scheduler stopped", "ticks", s.ticks.Load(), "failures", s.failures.Load())
			return nil
		case <-timer.Chan():
		}

		if err := s.runTick(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := s.fail(ctx, err)
			next = s.clock.Now().Add(wait)
			timer.Reset(wait)
			continue
		}

		s.markHealthy()
		next = next.Add(s.interval)
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			// Fell behind; restart the cadence from now instead of bursting.
			next = s.clock.Now()
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) fail(ctx context.Context, err error) time.Duration {
	s.failures.Add(1)
	consecutive := s.consecutive.Add(1)
	s.state.Store(int32(StateBackingOff))
	if s.metrics != nil {
		s.metrics.TickFailures.Inc()
	}

	wait := s.backoff.Next()
	slog.ErrorContext(ctx, "Broadcast tick failed, backing off",
		"error", err,
		"consecutive_failures", consecutive,
		"backoff", wait,
	)
	return wait
}

func (s *Scheduler) markHealthy() {
	if failed := s.consecutive.Swap(0); failed > 0 {
		slog.Info("Broadcast scheduler recovered", "after_failures", failed)
	}
	s.backoff.Reset()
	s.state.Store(int32(StateRunning))
}

func (s *Scheduler) runTick(ctx context.Context) (err error) {
	ctx, _ = correlation.WithNewID(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()

	start := s.clock.Now()
	report, err := s.Tick(ctx, start)
	elapsed := s.clock.Since(start)
	if err != nil {
		return err
	}

	s.ticks.Add(1)
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
		s.metrics.TickDuration.Observe(elapsed.Seconds())
	}
	if elapsed > slowTickBudget {
		slog.WarnContext(ctx, "Broadcast tick exceeded budget", "duration", elapsed, "budget", slowTickBudget, "sensors", report.Active)
	}
	return nil
}

// Tick performs one broadcast cycle stamped with now. It is exported so a
// single cycle can be driven without the timer loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport

	candidates := s.registry.Sensors()
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		s.generator.Retain(domain.SensorSet{})
		s.setActiveGauge(0)
		return report, nil
	}

	active := s.refreshRates(ctx, candidates)
	// Sensors that lost every subscriber are no longer candidates; drop them too.
	s.generator.Retain(domain.NewSensorSet(active...))
	report.Active = len(active)
	s.setActiveGauge(len(active))

	batches := make(map[domain.SensorID][]domain.Point, len(active))
	for _, id := range active {
		if points := s.generator.GenerateBatch(id, now, s.interval); len(points) > 0 {
			batches[id] = points
			report.Points += len(points)
		}
	}

	deliveries, err := s.buildDeliveries(batches, &report)
	if err != nil {
		return report, err
	}

	failures := s.registry.Deliver(ctx, deliveries)
	report.Failed = len(failures)

	if s.metrics != nil {
		s.metrics.PointsGenerated.Add(float64(report.Points))
		s.metrics.MessagesSent.WithLabelValues("direct").Add(float64(report.Direct))
		s.metrics.MessagesSent.WithLabelValues("global").Add(float64(report.Global))
		s.metrics.SendFailures.Add(float64(report.Failed))
	}
	if report.Failed > 0 {
		slog.InfoContext(ctx, "Removed connections after failed sends", "count", report.Failed)
	}
	return report, nil
}

// refreshRates asks the oracle about every candidate and returns the active
// ones in ascending order. Inactive or unanswerable sensors lose their
// generator state.
func (s *Scheduler) refreshRates(ctx context.Context, candidates domain.SensorSet) []domain.SensorID {
	active := make([]domain.SensorID, 0, len(candidates))
	for _, id := range candidates.Sorted() {
		status, err := s.query(ctx, id)
		if err != nil {
			if s.metrics != nil {
				s.metrics.OracleFailures.Inc()
			}
			slog.WarnContext(ctx, "Sensor status lookup failed, treating as inactive", "sensor_id", id, "error", err)
			s.generator.Remove(id)
			continue
		}
		if !status.Active || status.RateHz <= 0 {
			s.generator.Remove(id)
			continue
		}
		s.generator.SetRate(id, status.RateHz)
		active = append(active, id)
	}
	return active
}

func (s *Scheduler) query(ctx context.Context, id domain.SensorID) (domain.SensorStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	return s.oracle.QueryActive(ctx, id)
}

func (s *Scheduler) buildDeliveries(batches map[domain.SensorID][]domain.Point, report *TickReport) ([]subscription.Delivery, error) {
	var deliveries []subscription.Delivery

	for id, points := range batches {
		direct, _ := s.registry.ResolveTargets(id)
		if len(direct) == 0 {
			continue
		}
		payload, err := encodeDirect(id, points)
		if err != nil {
			return nil, fmt.Errorf("encode data message: %w", err)
		}
		for _, conn := range direct {
			deliveries = append(deliveries, subscription.Delivery{Conn: conn, Payload: payload})
		}
		report.Direct += len(direct)
	}

	if len(batches) == 0 {
		return deliveries, nil
	}

	for _, sub := range s.registry.GlobalSubscriptions() {
		payload, err := encodeGlobal(sub.Sensors, batches)
		if err != nil {
			return nil, fmt.Errorf("encode batch message: %w", err)
		}
		if payload == nil {
			continue
		}
		deliveries = append(deliveries, subscription.Delivery{Conn: sub.Conn, Payload: payload})
		report.Global++
	}

	return deliveries, nil
}

func (s *Scheduler) setActiveGauge(n int) {
	if s.metrics != nil {
		s.metrics.ActiveSensors.Set(float64(n))
	}
}
