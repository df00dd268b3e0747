package query_test

import (
	"PerpSettle/internal/query"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var account = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")

// unreachableRedis fails every call fast, so the cache runs in degraded mode.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// =============================================================================
// Test: CachedService
// =============================================================================

func TestCachedService_FallsBackWhenRedisIsDown(t *testing.T) {
	primary := &fakeReader{
		positions: &query.PositionsResponse{AccountID: account.String(), AsOfSequence: 42},
		margins:   &query.MarginsResponse{AccountID: account.String(), AsOfSequence: 42},
	}
	svc := query.NewCachedService(primary, unreachableRedis(t), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := svc.GetPositions(ctx, account)
		if err != nil {
			t.Fatalf("positions: %v", err)
		}
		if got.AsOfSequence != 42 {
			t.Errorf("as of: got %d, want 42", got.AsOfSequence)
		}
	}
	if _, err := svc.GetMargins(ctx, account); err != nil {
		t.Fatalf("margins: %v", err)
	}

	// nothing can be cached, every read reaches the primary
	if primary.positionCalls != 2 || primary.marginCalls != 1 {
		t.Errorf("primary calls: positions=%d margins=%d", primary.positionCalls, primary.marginCalls)
	}
}

func TestCachedService_PropagatesPrimaryErrors(t *testing.T) {
	boom := errors.New("projection db down")
	svc := query.NewCachedService(&fakeReader{err: boom}, unreachableRedis(t), time.Minute, nil)

	if _, err := svc.GetPositions(context.Background(), account); !errors.Is(err, boom) {
		t.Errorf("expected primary error, got %v", err)
	}
}

func TestCachedService_Invalidate(t *testing.T) {
	svc := query.NewCachedService(&fakeReader{}, unreachableRedis(t), time.Minute, nil)

	if err := svc.Invalidate(context.Background(), nil); err != nil {
		t.Errorf("empty invalidation must be a no-op, got %v", err)
	}
	if err := svc.Invalidate(context.Background(), []uuid.UUID{account}); err == nil {
		t.Error("expected invalidation error from unreachable redis")
	}
}

// --- Test helpers ---

type fakeReader struct {
	positions     *query.PositionsResponse
	margins       *query.MarginsResponse
	err           error
	positionCalls int
	marginCalls   int
}

func (f *fakeReader) GetPositions(context.Context, uuid.UUID) (*query.PositionsResponse, error) {
	f.positionCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func (f *fakeReader) GetMargins(context.Context, uuid.UUID) (*query.MarginsResponse, error) {
	f.marginCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.margins, nil
}
