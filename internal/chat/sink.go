package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors fanned-out events onto Redis pub/sub channels named
// prefix+room, for observers outside the hub. The hub never reads them back.
type RedisSink struct {
	redis  *redis.Client
	prefix string
}

func NewRedisSink(redisClient *redis.Client) *RedisSink {
	return &RedisSink{redis: redisClient, prefix: "chat:"}
}

func (s *RedisSink) Channel(room string) string {
	return s.prefix + room
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, s.Channel(ev.Room), payload).Err()
}
