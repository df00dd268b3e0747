package persistence

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"context"
	"fmt"
	"time"
)

const replayPage = 1000

// Recover brings c to the tip of the command log: it restores the newest usable snapshot, then
// replays every later command and checks its logged state hash. c must be freshly constructed
// and its identity directory populated. Returns the number of commands replayed.
func Recover(ctx context.Context, c *core.SettlementCore, store *SnapshotStore, metrics *observability.Metrics) (int, error) {
	logger := observability.NewLogger("recovery")
	start := time.Now()

	latest, err := store.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if latest == 0 {
		logger.Info().Msg("empty command log, cold start")
		return 0, nil
	}

	snap, err := store.LoadLatestSnapshot(ctx, latest)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := c.RestoreSnapshot(snap); err != nil {
			return 0, err
		}
	}

	replayed := 0
	for c.Sequence() <= latest {
		page, err := store.LoadCommandsFrom(ctx, c.Sequence(), replayPage)
		if err != nil {
			return replayed, fmt.Errorf("load commands from %d: %w", c.Sequence(), err)
		}
		if len(page) == 0 {
			return replayed, fmt.Errorf("command log ends at %d, expected through %d", c.Sequence()-1, latest)
		}
		for _, lc := range page {
			if err := c.Replay(ctx, lc); err != nil {
				return replayed, err
			}
			replayed++
		}
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(latest))
	}
	logger.Info().
		Bool("from_snapshot", snap != nil).
		Int("replayed", replayed).
		Int64("sequence", latest).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}
