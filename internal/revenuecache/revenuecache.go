// Package revenuecache puts a Redis read-through cache in front of revenue reports.
package revenuecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/revenue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how stale a dashboard may be.
	DefaultTTL       = 60 * time.Second
	defaultKeyPrefix = "coinledger:revenue:"
)

type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Connect builds a client from a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		options, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(options), nil
	}
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("%w: redis url is empty", ledger.ErrInvalidServiceConfig)
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Reporter caches another Reporter. Cache failures degrade to uncached reads.
type Reporter struct {
	next   revenue.Reporter
	client client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// New wraps next. A non-positive ttl selects DefaultTTL.
func New(next revenue.Reporter, redisClient client, ttl time.Duration, logger *zap.Logger) (*Reporter, error) {
	if next == nil || redisClient == nil {
		return nil, fmt.Errorf("%w: revenue cache needs a reporter and a client", ledger.ErrInvalidServiceConfig)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{next: next, client: redisClient, ttl: ttl, prefix: defaultKeyPrefix, logger: logger}, nil
}

func (reporter *Reporter) AuthorRevenue(ctx context.Context, authorID ledger.UserID, window revenue.Window) (revenue.AuthorReport, error) {
	key := reporter.prefix + "author:" + authorID.String() + ":" + string(window)
	var report revenue.AuthorReport
	if reporter.load(ctx, key, &report) {
		return report, nil
	}
	report, err := reporter.next.AuthorRevenue(ctx, authorID, window)
	if err != nil {
		return revenue.AuthorReport{}, err
	}
	reporter.store(ctx, key, report)
	return report, nil
}

func (reporter *Reporter) PlatformRevenue(ctx context.Context, window revenue.Window) (revenue.PlatformReport, error) {
	key := reporter.prefix + "platform:" + string(window)
	var report revenue.PlatformReport
	if reporter.load(ctx, key, &report) {
		return report, nil
	}
	report, err := reporter.next.PlatformRevenue(ctx, window)
	if err != nil {
		return revenue.PlatformReport{}, err
	}
	reporter.store(ctx, key, report)
	return report, nil
}

func (reporter *Reporter) load(ctx context.Context, key string, target any) bool {
	raw, err := reporter.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			reporter.logger.Warn("revenue cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, target); err != nil {
		reporter.logger.Warn("revenue cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (reporter *Reporter) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		reporter.logger.Warn("revenue cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := reporter.client.Set(ctx, key, raw, reporter.ttl).Err(); err != nil {
		reporter.logger.Warn("revenue cache write failed", zap.String("key", key), zap.Error(err))
	}
}
