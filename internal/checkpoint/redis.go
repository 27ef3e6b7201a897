package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/vectra-connector/common/logging"
)

// RedisStore keeps checkpoint documents under {prefix}{stream}_next_checkpoint.
// It lets several connector hosts share progress.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	locks  streamLocks
}

// DialRedis parses url and verifies the server answers PING.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(slog.String("component", "checkpoint")),
	}
}

func (s *RedisStore) key(stream string) string {
	return s.prefix + Key(stream)
}

func (s *RedisStore) Read(ctx context.Context, stream string) (int64, bool, error) {
	unlock := s.locks.lock(stream)
	defer unlock()

	data, err := s.client.Get(ctx, s.key(stream)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cursor, ok, err := Decode(stream, data)
	if err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable checkpoint", logging.Stream(stream), logging.Error(err))
		if delErr := s.client.Del(ctx, s.key(stream)).Err(); delErr != nil {
			return 0, false, fmt.Errorf("failed to remove corrupt checkpoint: %w", delErr)
		}
		return 0, false, nil
	}
	return cursor, ok, nil
}

func (s *RedisStore) Write(ctx context.Context, stream string, cursor int64) error {
	unlock := s.locks.lock(stream)
	defer unlock()

	if err := s.client.Set(ctx, s.key(stream), Encode(stream, cursor), 0).Err(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.logger.DebugContext(ctx, "checkpoint saved", logging.Stream(stream), logging.Cursor(cursor))
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, stream string) error {
	unlock := s.locks.lock(stream)
	defer unlock()

	if err := s.client.Del(ctx, s.key(stream)).Err(); err != nil {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
