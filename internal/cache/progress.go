package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"go.uber.org/zap"
)

// Config contains Redis cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	ProgressTTL    time.Duration `yaml:"progress_ttl" mapstructure:"progress_ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// ProgressCache publishes live run progress to Redis so status polls hit the
// cache instead of the database between flushes.
type ProgressCache struct {
	client *redis.Client
	config *Config
	logger *logger.Logger
}

// NewProgressCache connects to Redis and verifies the connection.
func NewProgressCache(config *Config, log *logger.Logger) (*ProgressCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Progress cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Duration("progress_ttl", config.ProgressTTL),
	)

	return &ProgressCache{client: client, config: config, logger: log}, nil
}

func (c *ProgressCache) key(runID int64) string {
	return fmt.Sprintf("%srun:%d:progress", c.config.KeyPrefix, runID)
}

// Publish writes the run's current progress with a TTL, so abandoned keys
// expire on their own.
func (c *ProgressCache) Publish(ctx context.Context, runID int64, p pipeline.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := c.client.Set(ctx, c.key(runID), data, c.config.ProgressTTL).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Fetch returns the cached progress for a run, or nil when none is cached.
func (c *ProgressCache) Fetch(ctx context.Context, runID int64) (*pipeline.Progress, error) {
	data, err := c.client.Get(ctx, c.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch progress: %w", err)
	}

	var p pipeline.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

// Clear removes the progress key once a run reaches a terminal state.
func (c *ProgressCache) Clear(ctx context.Context, runID int64) error {
	if err := c.client.Del(ctx, c.key(runID)).Err(); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *ProgressCache) Close() error {
	return c.client.Close()
}

// maskRedisURL masks the password in a Redis URL for logging.
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			schemeAndAuth := parts[0]
			if strings.Contains(schemeAndAuth, ":") {
				schemeParts := strings.Split(schemeAndAuth, "://")
				if len(schemeParts) == 2 {
					return schemeParts[0] + "://***@" + parts[1]
				}
			}
		}
	}
	return url
}
