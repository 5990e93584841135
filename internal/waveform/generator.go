package waveform

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pscheid92/eggstream/internal/domain"
)

const (
	baseFrequencyHz     = 0.05 // 3 cycles per minute
	frequencySpreadStep = 0.2
	noiseAmplitude      = 0.1
	maxSlewPerSecond    = 0.2
	artifactMin         = 0.1
	artifactMax         = 0.3

	// MaxBatchPoints caps a single batch regardless of rate or interval.
	MaxBatchPoints = 100_000

	// DefaultArtifactRate is the expected number of artifact spikes per second.
	DefaultArtifactRate = 0.05
)

// Random is the source of uniform draws in [0, 1).
// *rand.Rand satisfies it.
type Random interface {
	Float64() float64
}

type sensorState struct {
	rateHz    float64
	phase     float64
	lastValue float64
}

// Generator owns continuity state for every sensor it has been told about.
type Generator struct {
	mu           sync.Mutex
	rng          Random
	artifactRate float64
	sensors      map[domain.SensorID]*sensorState
}

type Option func(*Generator)

// WithRandom injects the random source. Used for reproducible output.
func WithRandom(rng Random) Option {
	return func(g *Generator) { g.rng = rng }
}

// WithSeed seeds a PCG source. A zero seed keeps the default random source.
func WithSeed(seed uint64) Option {
	return func(g *Generator) {
		if seed != 0 {
			g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		}
	}
}

// WithArtifactRate sets the expected spikes per second. Zero disables spikes.
func WithArtifactRate(perSecond float64) Option {
	return func(g *Generator) { g.artifactRate = perSecond }
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		artifactRate: DefaultArtifactRate,
		sensors:      make(map[domain.SensorID]*sensorState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRate creates or updates the sampling rate of a sensor. A sensor seen for
// the first time starts at a random phase with a last value of zero.
func (g *Generator) SetRate(id domain.SensorID, rateHz float64) {
	if rateHz <= 0 || math.IsNaN(rateHz) || math.IsInf(rateHz, 0) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.sensors[id]; ok {
		st.rateHz = rateHz
		return
	}
	g.sensors[id] = &sensorState{
		rateHz: rateHz,
		phase:  g.rng.Float64() * 2 * math.Pi,
	}
}

// Remove discards all state for a sensor. Unknown sensors are ignored.
func (g *Generator) Remove(id domain.SensorID) {
	g.mu.Lock()
	delete(g.sensors, id)
	g.mu.Unlock()
}

// Rate returns the configured rate and whether the sensor is tracked.
func (g *Generator) Rate(id domain.SensorID) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sensors[id]
	if !ok {
		return 0, false
	}
	return st.rateHz, true
}

// Retain drops every sensor not in keep and returns how many were dropped.
func (g *Generator) Retain(keep domain.SensorSet) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	dropped := 0
	for id := range g.sensors {
		if !keep.Contains(id) {
			delete(g.sensors, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked sensors.
func (g *Generator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sensors)
}

// GenerateBatch synthesizes the points for the interval ending at now.
// Points are evenly spaced, ascending, and the last one lands on now.
// Returns nil for a sensor without a configured rate.
func (g *Generator) GenerateBatch(id domain.SensorID, now time.Time, interval time.Duration) []domain.Point {
	if interval <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sensors[id]
	if !ok {
		return nil
	}

	seconds := interval.Seconds()
	n := max(1, int(math.Round(math.Min(st.rateHz*seconds, MaxBatchPoints))))
	dt := seconds / float64(n)
	start := unixSeconds(now) - seconds
	freq := baseFrequency(id)

	points := make([]domain.Point, n)
	for i := range n {
		points[i] = domain.Point{
			Timestamp: start + float64(i+1)*dt,
			Value:     g.next(st, freq, dt),
		}
	}
	return points
}

func (g *Generator) next(st *sensorState, freq, dt float64) float64 {
	st.phase += 2 * math.Pi * freq * dt

	target := math.Sin(st.phase) + (g.rng.Float64()*2-1)*noiseAmplitude

	maxStep := maxSlewPerSecond * dt
	value := math.Max(st.lastValue-maxStep, math.Min(st.lastValue+maxStep, target))

	if g.rng.Float64() < g.artifactRate*dt {
		artifact := artifactMin + g.rng.Float64()*(artifactMax-artifactMin)
		if g.rng.Float64() <= 0.5 {
			artifact = -artifact
		}
		value += artifact
	}

	value = math.Max(-1, math.Min(1, value))
	value = math.Round(value*1e6) / 1e6

	st.lastValue = value
	return value
}

// baseFrequency spreads sensors over five slightly different frequencies.
func baseFrequency(id domain.SensorID) float64 {
	mod := int64(id) % 5
	if mod < 0 {
		mod += 5
	}
	return baseFrequencyHz * (1 + float64(mod)*frequencySpreadStep)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
