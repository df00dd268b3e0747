package core_test

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/core"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Test helpers ---

// startSequencer runs a sequencer over h.core with a controllable clock (unix seconds).
func startSequencer(t *testing.T, h *harness, clock *atomic.Int64) *core.Sequencer {
	t.Helper()
	seq := core.NewSequencer(h.core, core.SequencerConfig{
		Buffer: 64,
		Clock:  func() time.Time { return time.Unix(clock.Load(), 0) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return seq
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved []int64
	ch    chan struct{}
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, sequence int64, _ [32]byte, data []byte) error {
	if _, err := core.UnmarshalSnapshot(data); err != nil {
		return err
	}
	m.mu.Lock()
	m.saved = append(m.saved, sequence)
	m.mu.Unlock()
	m.ch <- struct{}{}
	return nil
}

// ============================================================================
// Test: Sequencer
// ============================================================================

func TestSequencer_StampsAdmissionTime(t *testing.T) {
	h := newHarness(t)
	var clock atomic.Int64
	clock.Store(startTime + 30)
	seq := startSequencer(t, h, &clock)

	cmd := &command.TransferCollateral{Base: h.base(owner), AccountID: account, Market: testMarket, CollateralID: usdc, AmountDelta: usd}
	res, err := seq.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cmd.At != time.Unix(startTime+30, 0).UnixMicro() {
		t.Errorf("admission time = %d", cmd.At)
	}
	if res.Sequence != 3 {
		t.Errorf("sequence = %d, want 3 after two configuration commands", res.Sequence)
	}
}

func TestSequencer_ClampsClockBehindLastCommand(t *testing.T) {
	h := newHarness(t)
	var clock atomic.Int64
	clock.Store(startTime - 100)
	seq := startSequencer(t, h, &clock)

	cmd := &command.TransferCollateral{Base: h.base(owner), AccountID: account, Market: testMarket, CollateralID: usdc, AmountDelta: usd}
	if _, err := seq.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("submit with a lagging clock should be clamped, got %v", err)
	}
	if cmd.At != time.Unix(startTime, 0).UnixMicro() {
		t.Errorf("admission time = %d, want the last accepted time", cmd.At)
	}
}

func TestSequencer_ConcurrentSubmitsGetUniqueSequences(t *testing.T) {
	h := newHarness(t)
	var clock atomic.Int64
	clock.Store(startTime + 1)
	seq := startSequencer(t, h, &clock)

	const n = 20
	cmds := make([]command.Command, n)
	for i := range cmds {
		cmds[i] = &command.TransferCollateral{Base: h.base(owner), AccountID: account, Market: testMarket, CollateralID: usdc, AmountDelta: usd}
	}

	var wg sync.WaitGroup
	results := make([]*core.Result, n)
	failures := make([]error, n)
	for i := range cmds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = seq.Submit(context.Background(), cmds[i])
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := range results {
		if failures[i] != nil {
			t.Fatalf("submit %d: %v", i, failures[i])
		}
		if seen[results[i].Sequence] {
			t.Fatalf("sequence %d assigned twice", results[i].Sequence)
		}
		seen[results[i].Sequence] = true
	}

	var margin int64
	if err := seq.Read(context.Background(), func(c *core.SettlementCore) error {
		margin = c.GetMarginBalance(account, testMarket, usdc)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if margin != n*usd {
		t.Errorf("margin = %d, want %d", margin, n*usd)
	}
}

func TestSequencer_SnapshotsEveryN(t *testing.T) {
	h := newHarness(t)
	var clock atomic.Int64
	clock.Store(startTime + 1)
	sink := &memorySnapshots{ch: make(chan struct{}, 4)}

	seq := core.NewSequencer(h.core, core.SequencerConfig{
		Clock:         func() time.Time { return time.Unix(clock.Load(), 0) },
		SnapshotEvery: 2,
		Snapshots:     sink,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = seq.Run(ctx) }()

	// Sequences 3 and 4; only 4 is a multiple of 2.
	for i := 0; i < 2; i++ {
		cmd := &command.TransferCollateral{Base: h.base(owner), AccountID: account, Market: testMarket, CollateralID: usdc, AmountDelta: usd}
		if _, err := seq.Submit(ctx, cmd); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot was not saved")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.saved) != 1 || sink.saved[0] != 4 {
		t.Errorf("saved snapshots = %v, want [4]", sink.saved)
	}
}

// ============================================================================
// Test: Expiry sweeper
// ============================================================================

func TestExpirySweeper_CancelsExpiredOrders(t *testing.T) {
	h := newHarness(t)
	if _, err := h.commit(unit, 100*px); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var clock atomic.Int64
	clock.Store(startTime + 30)
	seq := startSequencer(t, h, &clock)
	sweeper := core.NewExpirySweeper(seq, keeper, time.Minute, nil)

	cleared, err := sweeper.Sweep(context.Background())
	if err != nil || cleared != 0 {
		t.Fatalf("sweep before expiry = %d, %v", cleared, err)
	}

	clock.Store(startTime + 61)
	cleared, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	cleared, err = sweeper.Sweep(context.Background())
	if err != nil || cleared != 0 {
		t.Errorf("second sweep = %d, %v, want nothing left", cleared, err)
	}
}
