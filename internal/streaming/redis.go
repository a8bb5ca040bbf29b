package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSinkConfig configures the Redis Streams sink.
type RedisSinkConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	MaxLen    int64         `mapstructure:"max_len"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// RedisSink mirrors task events into one Redis stream per task so other
// processes can tail or replay them.
type RedisSink struct {
	client *redis.Client
	cfg    RedisSinkConfig
	logger *zap.Logger
}

// NewRedisSink creates a sink on an existing client.
func NewRedisSink(client *redis.Client, cfg RedisSinkConfig, logger *zap.Logger) *RedisSink {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "research:events:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, cfg: cfg, logger: logger}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// StreamKey returns the stream holding a task's events.
func (s *RedisSink) StreamKey(researchID string) string {
	return s.cfg.KeyPrefix + researchID
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	key := s.StreamKey(evt.ResearchID)
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    evt.Type,
			"seq":     evt.Seq,
			"payload": string(evt.Marshal()),
		},
	})
	pipe.Expire(ctx, key, s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}

// ListEvents reads the events of a task with Seq > since from its stream.
// It serves the event timeline when Postgres is disabled.
func (s *RedisSink) ListEvents(ctx context.Context, researchID string, since uint64) ([]Event, error) {
	msgs, err := s.client.XRange(ctx, s.StreamKey(researchID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			s.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Delete removes a task's stream.
func (s *RedisSink) Delete(ctx context.Context, researchID string) error {
	return s.client.Del(ctx, s.StreamKey(researchID)).Err()
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
