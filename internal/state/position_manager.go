package state

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// PositionKey identifies the (account, market) pair that owns a position, an order and the
// margin entries of that market.
type PositionKey struct {
	AccountID uuid.UUID
	MarketID  string
}

// PositionManager is the arena of positions keyed by (account, market).
type PositionManager struct {
	positions map[PositionKey]*Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
	}
}

// Get returns a copy of the position, or nil when none exists.
func (pm *PositionManager) Get(accountID uuid.UUID, marketID string) *Position {
	pos := pm.positions[PositionKey{AccountID: accountID, MarketID: marketID}]
	if pos == nil {
		return nil
	}
	cp := *pos
	return &cp
}

// Lookup is Get failing explicitly when the account holds no open position.
func (pm *PositionManager) Lookup(accountID uuid.UUID, marketID string) (*Position, error) {
	pos := pm.Get(accountID, marketID)
	if pos.IsFlat() {
		return nil, fmt.Errorf("no open position for %s in %s", accountID, marketID)
	}
	return pos, nil
}

// Put stores pos, dropping the record when it is empty. It returns the previous value for undo.
func (pm *PositionManager) Put(pos *Position) (prev *Position) {
	key := PositionKey{AccountID: pos.AccountID, MarketID: pos.MarketID}
	prev = pm.positions[key]
	if pos.Empty() {
		delete(pm.positions, key)
		return prev
	}
	cp := *pos
	pm.positions[key] = &cp
	return prev
}

// Restore puts prev back under key, or removes the key when prev is nil.
func (pm *PositionManager) Restore(key PositionKey, prev *Position) {
	if prev == nil {
		delete(pm.positions, key)
		return
	}
	pm.positions[key] = prev
}

// ForAccount returns an account's positions sorted by market.
func (pm *PositionManager) ForAccount(accountID uuid.UUID) []*Position {
	var out []*Position
	for key, pos := range pm.positions {
		if key.AccountID == accountID {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// All returns every position in deterministic order.
func (pm *PositionManager) All() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		cp := *pos
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].AccountID.String() < out[j].AccountID.String()
	})
	return out
}

// FillAction classifies how a fill changed a position.
type FillAction int

const (
	FillOpen FillAction = iota
	FillIncrease
	FillReduce
	FillClose
	FillFlip
)

func (a FillAction) String() string {
	switch a {
	case FillOpen:
		return "open"
	case FillIncrease:
		return "increase"
	case FillReduce:
		return "reduce"
	case FillClose:
		return "close"
	case FillFlip:
		return "flip"
	default:
		return "unknown"
	}
}

// FillResult is the position a fill would produce. Nothing is stored.
type FillResult struct {
	Size        int64
	EntryPrice  int64
	RealizedPnL int64
	Action      FillAction
}

// ComputeFill applies sizeDelta at fillPrice to the current size and entry price:
// weighted-average entry on a same-direction increase, realized PnL on reduce, close and flip.
func ComputeFill(size, entryPrice, sizeDelta, fillPrice int64) (FillResult, error) {
	newSize, err := fpmath.CheckedAdd(size, sizeDelta)
	if err != nil {
		return FillResult{}, err
	}
	oldQty, err := fpmath.Abs(size)
	if err != nil {
		return FillResult{}, err
	}
	fillQty, err := fpmath.Abs(sizeDelta)
	if err != nil {
		return FillResult{}, err
	}

	switch {
	case size == 0:
		return FillResult{Size: newSize, EntryPrice: fillPrice, Action: FillOpen}, nil

	case fpmath.Sign(size) == fpmath.Sign(sizeDelta):
		return FillResult{
			Size:       newSize,
			EntryPrice: fpmath.ComputeAvgEntryPrice(oldQty, entryPrice, fillQty, fillPrice),
			Action:     FillIncrease,
		}, nil

	case fillQty < oldQty:
		return FillResult{
			Size:        newSize,
			EntryPrice:  entryPrice,
			RealizedPnL: fpmath.ComputeRealizedPnL(fpmath.Sign(size), fillPrice, entryPrice, fillQty),
			Action:      FillReduce,
		}, nil

	case fillQty == oldQty:
		return FillResult{
			Size:        0,
			EntryPrice:  0,
			RealizedPnL: fpmath.ComputeRealizedPnL(fpmath.Sign(size), fillPrice, entryPrice, oldQty),
			Action:      FillClose,
		}, nil

	default:
		return FillResult{
			Size:        newSize,
			EntryPrice:  fillPrice,
			RealizedPnL: fpmath.ComputeRealizedPnL(fpmath.Sign(size), fillPrice, entryPrice, oldQty),
			Action:      FillFlip,
		}, nil
	}
}
