package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sweepNamespace derives cancel command ids from the order they clear, so overlapping sweeps
// dedupe against each other.
var sweepNamespace = uuid.MustParse("0b8f3c52-7f4e-4a8e-b1d3-93c6e5a2f710")

// ExpirySweeper is a keeper loop that cancels orders past their market's MaxOrderAge.
type ExpirySweeper struct {
	seq      *Sequencer
	keeperID uuid.UUID
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewExpirySweeper(seq *Sequencer, keeperID uuid.UUID, interval time.Duration, metrics *observability.Metrics) *ExpirySweeper {
	return &ExpirySweeper{
		seq:      seq,
		keeperID: keeperID,
		interval: interval,
		metrics:  metrics,
		logger:   observability.NewLogger("expiry-sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// Sweep cancels every order expired by the sequencer's clock and returns how many were cleared.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	now := s.seq.clock().Unix()

	var expired []*state.Order
	if err := s.seq.Read(ctx, func(c *SettlementCore) error {
		expired = c.ExpiredOrders(now)
		return nil
	}); err != nil {
		return 0, err
	}

	cleared := 0
	for _, o := range expired {
		ref := o.AccountID.String() + "|" + o.MarketID + "|" + strconv.FormatInt(o.CommitmentTime, 10)
		cmd := &command.CancelOrder{
			Base:      command.Base{ID: uuid.NewSHA1(sweepNamespace, []byte(ref)), CallerID: s.keeperID},
			AccountID: o.AccountID,
			Market:    o.MarketID,
		}
		res, err := s.seq.Submit(ctx, cmd)
		switch {
		case err == nil && !res.Duplicate:
			cleared++
		case err == nil:
		case errors.Is(err, errs.ErrOrderNotFound), errors.Is(err, errs.ErrOrderNotExpired):
			// settled or replaced between the read and the cancel
		default:
			return cleared, err
		}
	}

	if s.metrics != nil {
		s.metrics.ExpirySweepLatency.Observe(time.Since(start).Seconds())
	}
	if cleared > 0 {
		s.logger.Info().Int("cleared", cleared).Msg("expired orders cancelled")
	}
	return cleared, nil
}
