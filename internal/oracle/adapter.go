// Package oracle is the only path by which external price data enters the core.
package oracle

import (
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"fmt"
	"sort"
	"time"
)

// Price is an accepted observation at price scale.
type Price struct {
	FeedID      string `json:"feed_id"`
	Value       int64  `json:"value"`
	Conf        int64  `json:"conf"`
	PublishTime int64  `json:"publish_time"`
}

// Window bounds acceptable publish times, inclusive, unix seconds.
type Window struct {
	Earliest int64
	Latest   int64
}

// SettlementWindow is [now - maxLag, now - minLag].
func SettlementWindow(now int64, minLag, maxLag time.Duration) Window {
	return Window{
		Earliest: now - int64(maxLag/time.Second),
		Latest:   now - int64(minLag/time.Second),
	}
}

// Adapter keeps the latest accepted price per feed. Not safe for concurrent use;
// it is owned by the settlement core.
type Adapter struct {
	verifier        *Verifier
	latest          map[string]Price
	maxValuationAge time.Duration
}

// NewAdapter creates an adapter. maxValuationAge of zero disables the age check on ResolvePrice.
func NewAdapter(verifier *Verifier, maxValuationAge time.Duration) *Adapter {
	return &Adapter{
		verifier:        verifier,
		latest:          make(map[string]Price),
		maxValuationAge: maxValuationAge,
	}
}

func (a *Adapter) MaxValuationAge() time.Duration {
	return a.maxValuationAge
}

// ResolvePrice returns the latest accepted price of feedID for valuation at now.
func (a *Adapter) ResolvePrice(feedID string, now int64) (int64, error) {
	p, ok := a.latest[feedID]
	if !ok {
		return 0, fmt.Errorf("%w: feed %q", errs.ErrPriceUnavailable, feedID)
	}
	if a.maxValuationAge > 0 && now-p.PublishTime > int64(a.maxValuationAge/time.Second) {
		return 0, fmt.Errorf("%w: feed %q published %d, now %d, max age %s",
			errs.ErrPriceUnavailable, feedID, p.PublishTime, now, a.maxValuationAge)
	}
	return p.Value, nil
}

// ValidateAndExtractUpdate decodes blob and checks it belongs to feedID, is not from the future
// relative to now, and was published inside w. It does not record the price.
func (a *Adapter) ValidateAndExtractUpdate(feedID string, blob []byte, now int64, w Window) (Price, error) {
	u, err := a.verifier.Decode(blob)
	if err != nil {
		return Price{}, err
	}
	if u.FeedID != feedID {
		return Price{}, fmt.Errorf("%w: expected %q, got %q", errs.ErrFeedMismatch, feedID, u.FeedID)
	}
	if u.Price <= 0 {
		return Price{}, fmt.Errorf("%w: non-positive price %d", errs.ErrInvalidPriceUpdate, u.Price)
	}
	if u.PublishTime > now {
		return Price{}, fmt.Errorf("%w: publish time %d is after now %d", errs.ErrPriceTooFresh, u.PublishTime, now)
	}
	if u.PublishTime < w.Earliest {
		return Price{}, fmt.Errorf("%w: publish time %d before %d", errs.ErrStalePrice, u.PublishTime, w.Earliest)
	}
	if u.PublishTime > w.Latest {
		return Price{}, fmt.Errorf("%w: publish time %d after %d", errs.ErrPriceTooFresh, u.PublishTime, w.Latest)
	}

	value, err := fpmath.RescaleExpo(u.Price, u.Expo, fpmath.PriceConfig)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", errs.ErrInvalidPriceUpdate, err)
	}
	if value <= 0 {
		return Price{}, fmt.Errorf("%w: price %de%d rounds to zero", errs.ErrInvalidPriceUpdate, u.Price, u.Expo)
	}
	conf, err := fpmath.RescaleExpo(int64(min(u.Conf, uint64(1)<<62)), u.Expo, fpmath.PriceConfig)
	if err != nil {
		conf = 0
	}
	return Price{FeedID: feedID, Value: value, Conf: conf, PublishTime: u.PublishTime}, nil
}

// Record stores p if it is newer than the latest observation of its feed.
// It returns the previous observation so the caller can undo the write.
func (a *Adapter) Record(p Price) (prev Price, hadPrev bool, recorded bool) {
	prev, hadPrev = a.latest[p.FeedID]
	if hadPrev && p.PublishTime <= prev.PublishTime {
		return prev, hadPrev, false
	}
	a.latest[p.FeedID] = p
	return prev, hadPrev, true
}

// Restore puts back a previous observation, or removes the feed when hadPrev is false.
func (a *Adapter) Restore(feedID string, prev Price, hadPrev bool) {
	if hadPrev {
		a.latest[feedID] = prev
		return
	}
	delete(a.latest, feedID)
}

// Latest returns the stored observation of feedID.
func (a *Adapter) Latest(feedID string) (Price, bool) {
	p, ok := a.latest[feedID]
	return p, ok
}

// Prices returns all observations sorted by feed, for snapshots.
func (a *Adapter) Prices() []Price {
	out := make([]Price, 0, len(a.latest))
	for _, p := range a.latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// Load replaces all observations, used on snapshot restore.
func (a *Adapter) Load(prices []Price) {
	a.latest = make(map[string]Price, len(prices))
	for _, p := range prices {
		a.latest[p.FeedID] = p
	}
}
