package ingestion

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EventStream  = "PERP_SETTLE_EVENTS"
	EventSubject = "perp.settle.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes the domain events of accepted commands.
// Subjects follow the pattern: perp.settle.events.{event_type}[.{market_id}]
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is one domain event with the context of the command that emitted it.
type PublishableEvent struct {
	Sequence       int64               `json:"sequence"`
	Index          int                 `json:"index"`
	CommandType    string              `json:"command_type"`
	EventType      string              `json:"event_type"`
	IdempotencyKey string              `json:"idempotency_key"`
	MarketID       *string             `json:"market_id,omitempty"`
	Payload        jsoniter.RawMessage `json:"payload"`
	StateHash      string              `json:"state_hash"`
	Timestamp      time.Time           `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.PublishOutput(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// PublishOutput publishes every event of one accepted command, in order.
func (op *OutboundPublisher) PublishOutput(ctx context.Context, out core.CoreOutput) error {
	for _, evt := range Publishable(out.Envelope) {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msgID := strconv.FormatInt(evt.Sequence, 10) + "-" + strconv.Itoa(evt.Index)
		if _, err := op.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("publish %s: %w", msgID, err)
		}
	}
	return nil
}

// Publishable flattens an envelope into one message per event.
func Publishable(env *event.EventEnvelope) []PublishableEvent {
	out := make([]PublishableEvent, 0, len(env.Events))
	hash := hex.EncodeToString(env.StateHash[:])
	for i, e := range env.Events {
		rec, err := event.Encode(e)
		if err != nil {
			continue
		}
		out = append(out, PublishableEvent{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.CommandType,
			EventType:      rec.Type,
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       rec.MarketID,
			Payload:        rec.Data,
			StateHash:      hash,
			Timestamp:      env.Timestamp,
		})
	}
	return out
}

// Subject is perp.settle.events.{event_type}, suffixed with the market for market events.
func Subject(evt PublishableEvent) string {
	subject := EventSubject + "." + evt.EventType
	if evt.MarketID != nil && *evt.MarketID != "" {
		subject += "." + *evt.MarketID
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
