package ingestion

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Submitter runs a command through the settlement core.
type Submitter interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// Authenticator checks a caller's credential.
type Authenticator interface {
	Verify(caller uuid.UUID, token string) error
}

// Outcome labels of perp_ingest_messages_total.
const (
	OutcomeAccepted        = "accepted"
	OutcomeDuplicate       = "duplicate"
	OutcomeRejected        = "rejected"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeMalformed       = "malformed"
	OutcomeRetry           = "retry"
)

// Dispatcher authenticates and parses command messages and submits them one at a time.
//
// Acknowledgement follows the command's fate: a command the core accepted or rejected is final
// and is acked; a command that failed for a transient reason (custody, context, internal) is
// nak'd for redelivery; a message that can never succeed is terminated.
type Dispatcher struct {
	in        <-chan RawEvent
	auth      Authenticator
	submitter Submitter
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(in <-chan RawEvent, auth Authenticator, submitter Submitter, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		in:        in,
		auth:      auth,
		submitter: submitter,
		metrics:   metrics,
		logger:    observability.NewLogger("dispatcher"),
	}
}

// Run dispatches messages until ctx is cancelled or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and returns its outcome label.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) string {
	outcome := d.handle(ctx, raw)
	switch outcome {
	case OutcomeAccepted, OutcomeDuplicate, OutcomeRejected:
		call(raw.AckFunc)
	case OutcomeRetry:
		call(raw.NakFunc)
	default:
		call(raw.TermFunc)
	}
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(raw.CommandType, outcome).Inc()
	}
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) string {
	log := d.logger.With().Str("subject", raw.Subject).Str("command_type", raw.CommandType).Logger()

	caller, err := ParseCaller(raw)
	if err != nil {
		log.Warn().Err(err).Msg("rejected message without caller")
		return OutcomeUnauthenticated
	}
	if err := d.auth.Verify(caller, raw.CallerToken); err != nil {
		log.Warn().Err(err).Str("caller", caller.String()).Msg("authentication failed")
		return OutcomeUnauthenticated
	}

	cmd, err := ParseRawEvent(raw, caller)
	if err != nil {
		log.Warn().Err(err).Msg("malformed command")
		return OutcomeMalformed
	}

	res, err := d.submitter.Submit(ctx, cmd)
	if err != nil {
		if retryable(err) {
			log.Error().Err(err).Str("command_id", cmd.IdempotencyKey()).Msg("command failed, will retry")
			return OutcomeRetry
		}
		log.Info().Err(err).Str("code", errs.Code(err)).Str("command_id", cmd.IdempotencyKey()).Msg("command rejected")
		return OutcomeRejected
	}
	if res.Duplicate {
		return OutcomeDuplicate
	}
	log.Debug().Int64("sequence", res.Sequence).Msg("command accepted")
	return OutcomeAccepted
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errs.KindOf(err) {
	case errs.KindInternal, errs.KindExternal:
		return true
	}
	return false
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
