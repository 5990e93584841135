package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pscheid92/eggstream/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// fakeRedis implements the handful of commands the status cache uses.
type fakeRedis struct {
	goredis.Cmdable

	mu        sync.Mutex
	values    map[string]string
	published []string
	failing   bool
	failure   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

var errRedisDown = errors.New("redis down")

func (f *fakeRedis) failErr() error {
	if f.failure != nil {
		return f.failure
	}
	return errRedisDown
}

func (f *fakeRedis) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewStringCmd(ctx, "get", key)
	v, ok := f.values[key]
	switch {
	case f.failing:
		cmd.SetErr(f.failErr())
	case !ok:
		cmd.SetErr(goredis.Nil)
	default:
		cmd.SetVal(v)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewStatusCmd(ctx, "set", key, value)
	if f.failing {
		cmd.SetErr(f.failErr())
		return cmd
	}
	f.values[key] = string(value.([]byte))
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewIntCmd(ctx, "del")
	if f.failing {
		cmd.SetErr(f.failErr())
		return cmd
	}
	for _, k := range keys {
		delete(f.values, k)
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := goredis.NewIntCmd(ctx, "publish", channel, message)
	f.published = append(f.published, message.(string))
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}

// fakeSensors serves GetByID from a map and counts lookups.
type fakeSensors struct {
	domain.SensorRepository

	mu      sync.Mutex
	sensors map[domain.SensorID]domain.Sensor
	calls   int
	err     error
	block   chan struct{} // waited on before the lookup
	hold    chan struct{} // waited on after the lookup
}

func newFakeSensors(sensors ...domain.Sensor) *fakeSensors {
	f := &fakeSensors{sensors: make(map[domain.SensorID]domain.Sensor)}
	for _, s := range sensors {
		f.sensors[s.ID] = s
	}
	return f
}

func (f *fakeSensors) GetByID(_ context.Context, id domain.SensorID) (*domain.Sensor, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.calls++
	err := f.err
	s, ok := f.sensors[id]
	f.mu.Unlock()

	if f.hold != nil {
		<-f.hold
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrSensorNotFound
	}
	return &s, nil
}

func (f *fakeSensors) setActive(id domain.SensorID, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sensors[id]
	s.IsActive = active
	f.sensors[id] = s
}

func (f *fakeSensors) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
