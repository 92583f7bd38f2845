package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"pharmapos/internal/domain"
)

const tiersKey = "pharmapos:loyalty:tiers"

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// FailureThreshold is the number of consecutive redis errors that opens
	// the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// RedisTierCache stores the tier list as JSON under a single key. Calls go
// through a circuit breaker so a dead redis costs one fast error per request
// instead of a dial timeout.
type RedisTierCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewRedisTierCache(opts RedisOptions, logger *zap.Logger) *RedisTierCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})

	threshold := opts.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-tier-cache",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &RedisTierCache{client: client, breaker: breaker, logger: logger}
}

func (c *RedisTierCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTierCache) Close() error {
	return c.client.Close()
}

func (c *RedisTierCache) State() gobreaker.State {
	return c.breaker.State()
}

func (c *RedisTierCache) Get(ctx context.Context) ([]domain.LoyaltyTier, bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		val, err := c.client.Get(ctx, tiersKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return nil, false, err
	}
	payload, _ := result.([]byte)
	if payload == nil {
		return nil, false, nil
	}

	var tiers []domain.LoyaltyTier
	if err := json.Unmarshal(payload, &tiers); err != nil {
		return nil, false, err
	}
	return tiers, true, nil
}

func (c *RedisTierCache) Set(ctx context.Context, tiers []domain.LoyaltyTier, ttl time.Duration) error {
	if tiers == nil {
		return nil
	}
	payload, err := json.Marshal(tiers)
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, tiersKey, payload, ttl).Err()
	})
	return err
}

func (c *RedisTierCache) Invalidate(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Del(ctx, tiersKey).Err()
	})
	return err
}
