package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	statusRedisTTL      = 1 * time.Minute
	statusInvalidations = "sensor_status:invalidate"
	redisWarnInterval   = 30 * time.Second
)

// StatusCache answers activity queries for the broadcast scheduler from
// three layers: an in-process map with a short TTL, a shared Redis entry and
// finally the sensor catalog. Concurrent misses for the same sensor share one
// lookup.
type StatusCache struct {
	rdb     goredis.Cmdable
	sensors domain.SensorRepository
	mem     *memoryCache
	clock   clockwork.Clock
	group   singleflight.Group
	metrics *metrics.CacheMetrics

	// Redis failures repeat for every candidate on every tick while Redis is
	// down; only the first one per interval is logged at warn level.
	redisWarn rate.Sometimes
}

var _ domain.ActivityOracle = (*StatusCache)(nil)

// NewStatusCache creates a cache whose in-process entries live for memTTL.
// m may be nil.
func NewStatusCache(rdb goredis.Cmdable, sensors domain.SensorRepository, clock clockwork.Clock, memTTL time.Duration, m *metrics.CacheMetrics) *StatusCache {
	return &StatusCache{
		rdb:     rdb,
		sensors: sensors,
		mem:     newMemoryCache(clock, memTTL),
		clock:   clock,
		metrics: m,

		redisWarn: rate.Sometimes{First: 1, Interval: redisWarnInterval},
	}
}

// QueryActive reports the status of id. A sensor missing from the catalog is
// inactive; only lookup failures are errors.
func (c *StatusCache) QueryActive(ctx context.Context, id domain.SensorID) (domain.SensorStatus, error) {
	if status, ok := c.mem.get(id); ok {
		c.hit("memory")
		return status, nil
	}
	c.miss("memory")

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		return c.load(ctx, id)
	})
	if err != nil {
		return domain.SensorStatus{}, err
	}
	return v.(domain.SensorStatus), nil
}

// load reads through Redis to the catalog. A result read before an
// invalidation that raced with it is returned to the caller but not cached.
func (c *StatusCache) load(ctx context.Context, id domain.SensorID) (domain.SensorStatus, error) {
	gen := c.mem.generation()

	if status, ok := c.getCached(ctx, id); ok {
		c.hit("redis")
		c.mem.setIfGeneration(id, status, gen)
		return status, nil
	}
	c.miss("redis")

	sensor, err := c.sensors.GetByID(ctx, id)
	var status domain.SensorStatus
	switch {
	case errors.Is(err, domain.ErrSensorNotFound):
		status = domain.SensorStatus{}
	case err != nil:
		return domain.SensorStatus{}, fmt.Errorf("status lookup for sensor %d failed: %w", id, err)
	default:
		status = sensor.Status()
	}

	if !c.mem.setIfGeneration(id, status, gen) {
		return status, nil
	}
	c.writeCache(ctx, id, status)
	if c.mem.generation() != gen {
		// Invalidated between the memory write and the Redis write.
		_ = c.rdb.Del(ctx, statusCacheKey(id)).Err()
	}
	return status, nil
}

// Invalidate drops id from both layers and tells other replicas to drop
// their in-process entry.
func (c *StatusCache) Invalidate(ctx context.Context, id domain.SensorID) error {
	c.dropLocal(id)
	if c.metrics != nil {
		c.metrics.Invalidations.Inc()
	}

	if err := c.rdb.Del(ctx, statusCacheKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status cache: %w", err)
	}
	if err := c.rdb.Publish(ctx, statusInvalidations, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish status invalidation: %w", err)
	}
	return nil
}

// dropLocal forgets the in-process entry and any lookup in flight for id.
func (c *StatusCache) dropLocal(id domain.SensorID) {
	c.mem.invalidate(id)
	c.group.Forget(id.String())
}

// StartEvictionTimer periodically drops expired in-process entries. The
// returned function stops it.
func (c *StatusCache) StartEvictionTimer(interval time.Duration) func() {
	ticker := c.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				evicted := c.mem.evictExpired()
				remaining := c.mem.size()
				if c.metrics != nil {
					c.metrics.Entries.Set(float64(remaining))
				}
				if evicted > 0 {
					slog.Debug("Evicted expired sensor status entries", "count", evicted, "remaining", remaining)
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func (c *StatusCache) getCached(ctx context.Context, id domain.SensorID) (domain.SensorStatus, bool) {
	data, err := c.rdb.Get(ctx, statusCacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logRedisFailure(ctx, "Redis status cache GET failed", id, err)
		}
		return domain.SensorStatus{}, false
	}

	var status domain.SensorStatus
	if err := json.Unmarshal(data, &status); err != nil {
		slog.WarnContext(ctx, "Failed to decode cached sensor status", "sensor_id", id, "error", err)
		return domain.SensorStatus{}, false
	}
	return status, true
}

func (c *StatusCache) writeCache(ctx context.Context, id domain.SensorID, status domain.SensorStatus) {
	encoded, err := json.Marshal(status)
	if err != nil {
		slog.WarnContext(ctx, "Failed to encode sensor status", "sensor_id", id, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, statusCacheKey(id), encoded, statusRedisTTL).Err(); err != nil {
		c.logRedisFailure(ctx, "Failed to populate Redis status cache", id, err)
	}
}

// logRedisFailure logs breaker rejections at debug level and everything
// else at warn level at most once per redisWarnInterval.
func (c *StatusCache) logRedisFailure(ctx context.Context, msg string, id domain.SensorID, err error) {
	level := slog.LevelDebug
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		c.redisWarn.Do(func() { level = slog.LevelWarn })
	}
	slog.Log(ctx, level, msg, "sensor_id", id, "error", err)
}

func (c *StatusCache) hit(layer string) {
	if c.metrics != nil {
		c.metrics.Hits.WithLabelValues(layer).Inc()
	}
}

func (c *StatusCache) miss(layer string) {
	if c.metrics != nil {
		c.metrics.Misses.WithLabelValues(layer).Inc()
	}
}

func statusCacheKey(id domain.SensorID) string {
	return "sensor_status:" + id.String()
}

type memoryCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[domain.SensorID]memoryEntry
	gen     uint64 // bumped by every invalidation
}

type memoryEntry struct {
	status    domain.SensorStatus
	expiresAt time.Time
}

func newMemoryCache(clock clockwork.Clock, ttl time.Duration) *memoryCache {
	return &memoryCache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[domain.SensorID]memoryEntry),
	}
}

func (m *memoryCache) get(id domain.SensorID) (domain.SensorStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok || !m.clock.Now().Before(entry.expiresAt) {
		return domain.SensorStatus{}, false
	}
	return entry.status, true
}

func (m *memoryCache) set(id domain.SensorID, status domain.SensorStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{status: status, expiresAt: m.clock.Now().Add(m.ttl)}
}

// setIfGeneration stores status only if no invalidation happened since gen
// was read.
func (m *memoryCache) setIfGeneration(id domain.SensorID, status domain.SensorStatus, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.entries[id] = memoryEntry{status: status, expiresAt: m.clock.Now().Add(m.ttl)}
	return true
}

func (m *memoryCache) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

func (m *memoryCache) invalidate(id domain.SensorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.gen++
}

func (m *memoryCache) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *memoryCache) evictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for id, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, id)
			evicted++
		}
	}
	return evicted
}
