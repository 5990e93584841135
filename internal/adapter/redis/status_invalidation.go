package redis

import (
	"context"
	"log/slog"

	"github.com/pscheid92/eggstream/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// InvalidationSubscriber drops in-process status entries when another
// replica publishes an invalidation. The shared Redis entry is already gone
// by then.
type InvalidationSubscriber struct {
	rdb   *goredis.Client
	cache *StatusCache
}

func NewInvalidationSubscriber(rdb *goredis.Client, cache *StatusCache) *InvalidationSubscriber {
	return &InvalidationSubscriber{rdb: rdb, cache: cache}
}

// Run blocks until ctx is cancelled.
func (s *InvalidationSubscriber) Run(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, statusInvalidations)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *InvalidationSubscriber) handle(ctx context.Context, payload string) {
	id, err := domain.ParseSensorID(payload)
	if err != nil {
		slog.WarnContext(ctx, "Ignoring malformed status invalidation", "payload", payload)
		return
	}
	s.cache.dropLocal(id)
	slog.DebugContext(ctx, "Sensor status invalidated by peer", "sensor_id", id)
}
