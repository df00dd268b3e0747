package ingestion

import (
	"PerpSettle/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "PERP_COMMANDS"
	CommandSubject = "perp.commands"

	// Caller credentials travel in headers, never in the payload.
	HeaderCallerID    = "Perp-Caller-Id"
	HeaderCallerToken = "Perp-Caller-Token"
)

// NATSSubscriber subscribes to the command subjects and hands every message to the dispatcher.
// Subjects are perp.commands.<CommandType>; each command type has its own durable consumer so
// a slow type does not starve the others.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a command message not yet authenticated or parsed.
type RawEvent struct {
	Subject     string
	CommandType string
	CallerID    string
	CallerToken string
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // processed, do not redeliver
	NakFunc     func() // transient failure, redeliver
	TermFunc    func() // malformed, never redeliver
}

// SubjectConfig binds one command subject to its consumer.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

var commandTypes = []string{
	"TransferCollateral",
	"CommitOrder",
	"SettleOrder",
	"CancelOrder",
	"LiquidatePosition",
	"UpdatePrice",
	"SetCollateralConfiguration",
	"SetMarketConfiguration",
}

// DefaultSubjects returns one subject per command type.
func DefaultSubjects() []SubjectConfig {
	out := make([]SubjectConfig, 0, len(commandTypes))
	for _, ct := range commandTypes {
		out = append(out, SubjectConfig{
			Subject:      CommandSubject + "." + ct,
			CommandType:  ct,
			ConsumerName: "settle-" + consumerSuffix(ct),
			StreamName:   CommandStream,
		})
	}
	return out
}

// consumerSuffix turns "SetMarketConfiguration" into "set-market-configuration".
func consumerSuffix(commandType string) string {
	var b strings.Builder
	for i, r := range commandType {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		commandType := cfg.CommandType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := rawFromMsg(msg, commandType)
			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func rawFromMsg(msg jetstream.Msg, commandType string) RawEvent {
	raw := RawEvent{
		Subject:     msg.Subject(),
		CommandType: commandType,
		Data:        msg.Data(),
		Timestamp:   time.Now(),
		AckFunc:     func() { _ = msg.Ack() },
		NakFunc:     func() { _ = msg.Nak() },
		TermFunc:    func() { _ = msg.Term() },
	}
	if h := msg.Headers(); h != nil {
		raw.CallerID = h.Get(HeaderCallerID)
		raw.CallerToken = h.Get(HeaderCallerToken)
	}
	return raw
}

// EnsureStreams creates the command stream if it does not exist.
// Work-queue retention: a command message is gone once acknowledged; the event log is the record.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger := observability.NewLogger("nats-subscriber")
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
