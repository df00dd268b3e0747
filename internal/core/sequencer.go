package core

import (
	"PerpSettle/internal/command"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotSink stores encoded snapshots.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, sequence int64, stateHash [32]byte, data []byte) error
}

type SequencerConfig struct {
	Buffer        int
	Clock         func() time.Time
	SnapshotEvery int64 // commands between snapshots; 0 disables
	Snapshots     SnapshotSink
}

type request struct {
	ctx   context.Context
	cmd   command.Command
	read  func(*SettlementCore) error
	reply chan response
}

type response struct {
	result *Result
	err    error
}

// Sequencer owns a SettlementCore and runs every command and read on one goroutine, in arrival
// order. It stamps each command with its admission time.
type Sequencer struct {
	core     *SettlementCore
	requests chan request
	clock    func() time.Time
	logger   zerolog.Logger

	snapshotEvery int64
	snapshots     SnapshotSink
}

func NewSequencer(core *SettlementCore, cfg SequencerConfig) *Sequencer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sequencer{
		core:          core,
		requests:      make(chan request, cfg.Buffer),
		clock:         cfg.Clock,
		logger:        core.logger.With().Str("component", "sequencer").Logger(),
		snapshotEvery: cfg.SnapshotEvery,
		snapshots:     cfg.Snapshots,
	}
}

// Run processes requests until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Info().Int64("next_sequence", s.core.Sequence()).Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("next_sequence", s.core.Sequence()).Msg("sequencer stopped")
			return ctx.Err()
		case req := <-s.requests:
			s.handle(req)
		}
	}
}

func (s *Sequencer) handle(req request) {
	if req.read != nil {
		req.reply <- response{err: req.read(s.core)}
		return
	}

	// Admission time never runs behind the last accepted command
	at := s.clock()
	if last := s.core.LastTimestamp(); at.UnixMicro() < last {
		at = time.UnixMicro(last)
	}
	req.cmd.Stamp(at)

	res, err := s.core.ProcessCommand(req.ctx, req.cmd)
	req.reply <- response{result: res, err: err}

	if err == nil && !res.Duplicate && s.snapshotEvery > 0 && res.Sequence%s.snapshotEvery == 0 {
		s.snapshot()
	}
}

// snapshot encodes state on the core goroutine and stores it in the background.
func (s *Sequencer) snapshot() {
	if s.snapshots == nil {
		return
	}
	start := time.Now()
	snap := s.core.CreateSnapshot()
	data, err := MarshalSnapshot(snap)
	if err != nil {
		s.logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot encode failed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.snapshots.SaveSnapshot(ctx, snap.Sequence, snap.StateHash, data); err != nil {
			s.logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot save failed")
			return
		}
		if m := s.core.metrics; m != nil {
			m.SnapshotTaken.Inc()
			m.SnapshotDuration.Observe(time.Since(start).Seconds())
			m.SnapshotSizeBytes.Set(float64(len(data)))
			m.SnapshotLastSeq.Set(float64(snap.Sequence))
		}
		s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", len(data)).Msg("snapshot saved")
	}()
}

// Submit enqueues cmd and waits for its result.
func (s *Sequencer) Submit(ctx context.Context, cmd command.Command) (*Result, error) {
	return s.do(ctx, request{ctx: ctx, cmd: cmd})
}

// Read runs fn on the core goroutine, so it observes state between two commands.
func (s *Sequencer) Read(ctx context.Context, fn func(*SettlementCore) error) error {
	_, err := s.do(ctx, request{ctx: ctx, read: fn})
	return err
}

func (s *Sequencer) do(ctx context.Context, req request) (*Result, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth reports pending requests, for channel metrics.
func (s *Sequencer) QueueDepth() (size, capacity int) {
	return len(s.requests), cap(s.requests)
}
