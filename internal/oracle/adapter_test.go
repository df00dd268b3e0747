package oracle_test

import (
	"PerpSettle/internal/errs"
	"PerpSettle/internal/oracle"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

// --- Test helpers ---

var testPub, testKey = mustKey()

const now int64 = 1_700_000_000

func mustKey() (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	k := ed25519.NewKeyFromSeed(seed)
	return k.Public().(ed25519.PublicKey), k
}

func mustBlob(t *testing.T, key ed25519.PrivateKey, feed string, price int64, publish int64) []byte {
	t.Helper()
	blob, err := oracle.SignUpdate(key, oracle.PriceUpdate{
		FeedID:      feed,
		Price:       price,
		Conf:        1_000_000,
		Expo:        -8,
		PublishTime: publish,
	})
	if err != nil {
		t.Fatalf("SignUpdate: %v", err)
	}
	return blob
}

func newAdapter() *oracle.Adapter {
	return oracle.NewAdapter(oracle.NewVerifier(testPub), 0)
}

var wideWindow = oracle.Window{Earliest: now - 60, Latest: now}

// ============================================================================
// Test: ValidateAndExtractUpdate
// ============================================================================

func TestValidate_AcceptsAndRescales(t *testing.T) {
	a := newAdapter()
	p, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", 10_000_000_000, now-5), now, wideWindow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Value != 10_000 {
		t.Errorf("price = %d, want 10000 (100.00)", p.Value)
	}
	if p.PublishTime != now-5 {
		t.Errorf("publish time = %d", p.PublishTime)
	}
}

func TestValidate_FeedMismatch(t *testing.T) {
	a := newAdapter()
	_, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "BTC/USD", 1, now), now, wideWindow)
	if !errors.Is(err, errs.ErrFeedMismatch) {
		t.Fatalf("expected ErrFeedMismatch, got %v", err)
	}
}

func TestValidate_FuturePublishTime(t *testing.T) {
	a := newAdapter()
	w := oracle.Window{Earliest: now - 60, Latest: now + 60}
	_, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", 10_000_000_000, now+1), now, w)
	if !errors.Is(err, errs.ErrPriceTooFresh) {
		t.Fatalf("expected ErrPriceTooFresh, got %v", err)
	}
}

func TestValidate_Window(t *testing.T) {
	a := newAdapter()
	w := oracle.SettlementWindow(now, 2*time.Second, 10*time.Second)
	if w.Earliest != now-10 || w.Latest != now-2 {
		t.Fatalf("window = %+v", w)
	}

	_, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", 10_000_000_000, now-11), now, w)
	if !errors.Is(err, errs.ErrStalePrice) || errors.Is(err, errs.ErrPriceTooFresh) {
		t.Errorf("below window: expected ErrStalePrice, got %v", err)
	}
	_, err = a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", 10_000_000_000, now-1), now, w)
	if !errors.Is(err, errs.ErrPriceTooFresh) {
		t.Errorf("above window: expected ErrPriceTooFresh, got %v", err)
	}
	for _, edge := range []int64{now - 10, now - 2} {
		if _, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", 10_000_000_000, edge), now, w); err != nil {
			t.Errorf("edge %d should be accepted: %v", edge, err)
		}
	}
}

func TestValidate_UntrustedSigner(t *testing.T) {
	a := newAdapter()
	_, other, _ := ed25519.GenerateKey(nil)
	_, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, other, "ETH/USD", 1, now), now, wideWindow)
	if !errors.Is(err, errs.ErrInvalidPriceUpdate) {
		t.Fatalf("expected ErrInvalidPriceUpdate, got %v", err)
	}
	if _, err := a.ValidateAndExtractUpdate("ETH/USD", []byte("{not json"), now, wideWindow); !errors.Is(err, errs.ErrInvalidPriceUpdate) {
		t.Fatalf("expected ErrInvalidPriceUpdate for garbage, got %v", err)
	}
}

func TestValidate_NonPositivePrice(t *testing.T) {
	a := newAdapter()
	_, err := a.ValidateAndExtractUpdate("ETH/USD", mustBlob(t, testKey, "ETH/USD", -5, now), now, wideWindow)
	if !errors.Is(err, errs.ErrInvalidPriceUpdate) {
		t.Fatalf("expected ErrInvalidPriceUpdate, got %v", err)
	}
}

// ============================================================================
// Test: Record / ResolvePrice
// ============================================================================

func TestRecord_Monotonic(t *testing.T) {
	a := newAdapter()
	if _, _, ok := a.Record(oracle.Price{FeedID: "ETH/USD", Value: 100, PublishTime: 10}); !ok {
		t.Fatal("first observation should be recorded")
	}
	if _, _, ok := a.Record(oracle.Price{FeedID: "ETH/USD", Value: 90, PublishTime: 9}); ok {
		t.Error("older observation must not replace newer")
	}
	prev, had, ok := a.Record(oracle.Price{FeedID: "ETH/USD", Value: 110, PublishTime: 11})
	if !ok || !had || prev.Value != 100 {
		t.Fatalf("newer observation: ok=%v had=%v prev=%+v", ok, had, prev)
	}
	a.Restore("ETH/USD", prev, had)
	if p, _ := a.Latest("ETH/USD"); p.Value != 100 {
		t.Errorf("restore: latest = %d", p.Value)
	}
}

func TestResolvePrice(t *testing.T) {
	a := oracle.NewAdapter(oracle.NewVerifier(testPub), 30*time.Second)
	if _, err := a.ResolvePrice("ETH/USD", now); !errors.Is(err, errs.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	a.Record(oracle.Price{FeedID: "ETH/USD", Value: 10_000, PublishTime: now - 30})
	if v, err := a.ResolvePrice("ETH/USD", now); err != nil || v != 10_000 {
		t.Fatalf("resolve = %d, %v", v, err)
	}
	if _, err := a.ResolvePrice("ETH/USD", now+1); !errors.Is(err, errs.ErrPriceUnavailable) {
		t.Errorf("aged price: expected ErrPriceUnavailable, got %v", err)
	}
}
