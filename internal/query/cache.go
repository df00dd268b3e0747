package query

import (
	"PerpSettle/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CachedService wraps a Reader with a Redis read-through cache. The projection worker
// invalidates an account's keys after every write that touches it; the TTL bounds staleness
// when an invalidation is lost.
type CachedService struct {
	primary Reader
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCachedService(primary Reader, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics) *CachedService {
	return &CachedService{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  observability.NewLogger("query-cache"),
	}
}

func (s *CachedService) GetPositions(ctx context.Context, accountID uuid.UUID) (*PositionsResponse, error) {
	var resp PositionsResponse
	if s.get(ctx, "positions", positionsKey(accountID), &resp) {
		return &resp, nil
	}
	out, err := s.primary.GetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(accountID), out)
	return out, nil
}

func (s *CachedService) GetMargins(ctx context.Context, accountID uuid.UUID) (*MarginsResponse, error) {
	var resp MarginsResponse
	if s.get(ctx, "margins", marginsKey(accountID), &resp) {
		return &resp, nil
	}
	out, err := s.primary.GetMargins(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marginsKey(accountID), out)
	return out, nil
}

// Invalidate drops the cached reads of accounts.
func (s *CachedService) Invalidate(ctx context.Context, accounts []uuid.UUID) error {
	if len(accounts) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(accounts))
	for _, id := range accounts {
		keys = append(keys, positionsKey(id), marginsKey(id))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// get reports a hit. Redis errors degrade to a miss.
func (s *CachedService) get(ctx context.Context, endpoint, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	hit := err == nil && json.Unmarshal(data, dst) == nil
	if err != nil && err != redis.Nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
	}
	if s.metrics != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		s.metrics.QueryCache.WithLabelValues(endpoint, result).Inc()
	}
	return hit
}

func (s *CachedService) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func positionsKey(id uuid.UUID) string { return fmt.Sprintf("perpsettle:positions:%s", id) }
func marginsKey(id uuid.UUID) string   { return fmt.Sprintf("perpsettle:margins:%s", id) }
