package ingestion_test

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	callerID  = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	accountID = uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")
)

func rawFromJSON(t *testing.T, commandType string, v interface{}) (ingestion.RawEvent, *acks) {
	t.Helper()
	data, err := jsoniter.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	a := &acks{}
	return ingestion.RawEvent{
		Subject:     ingestion.CommandSubject + "." + commandType,
		CommandType: commandType,
		CallerID:    callerID.String(),
		CallerToken: "secret",
		Data:        data,
		Timestamp:   time.Now(),
		AckFunc:     func() { a.ack++ },
		NakFunc:     func() { a.nak++ },
		TermFunc:    func() { a.term++ },
	}, a
}

func cancelPayload() map[string]interface{} {
	return map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"account_id": accountID.String(),
		"market_id":  "ETH-PERP",
	}
}

// =============================================================================
// Test: Parsing
// =============================================================================

func TestParseRawEvent_TransferCollateral(t *testing.T) {
	raw, _ := rawFromJSON(t, "TransferCollateral", map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"account_id":    accountID.String(),
		"market_id":     "ETH-PERP",
		"collateral_id": "USDC",
		"amount_delta":  "1000.5",
	})

	caller, err := ingestion.ParseCaller(raw)
	if err != nil {
		t.Fatalf("caller: %v", err)
	}
	cmd, err := ingestion.ParseRawEvent(raw, caller)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	tc, ok := cmd.(*command.TransferCollateral)
	if !ok {
		t.Fatalf("expected *command.TransferCollateral, got %T", cmd)
	}
	if tc.AmountDelta != 1_000_500_000 {
		t.Errorf("amount: got %d, want 1_000_500_000", tc.AmountDelta)
	}
	if tc.Caller() != callerID {
		t.Errorf("caller: got %s, want %s", tc.Caller(), callerID)
	}
	if tc.CommandType() != command.TypeTransferCollateral {
		t.Errorf("command type: got %v", tc.CommandType())
	}
}

func TestParseCaller_MissingOrBadHeader(t *testing.T) {
	for _, id := range []string{"", "not-a-uuid"} {
		raw := ingestion.RawEvent{CallerID: id}
		if _, err := ingestion.ParseCaller(raw); !errors.Is(err, errs.ErrUnauthorized) {
			t.Errorf("caller %q: expected ErrUnauthorized, got %v", id, err)
		}
	}
}

func TestDefaultSubjects(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	if len(subjects) != 8 {
		t.Fatalf("subjects: got %d, want 8", len(subjects))
	}
	seen := map[string]bool{}
	for _, s := range subjects {
		if s.StreamName != ingestion.CommandStream {
			t.Errorf("%s: stream %s", s.Subject, s.StreamName)
		}
		if s.Subject != "perp.commands."+s.CommandType {
			t.Errorf("subject: got %s for %s", s.Subject, s.CommandType)
		}
		if seen[s.ConsumerName] {
			t.Errorf("duplicate consumer %s", s.ConsumerName)
		}
		seen[s.ConsumerName] = true
	}
	if !seen["settle-set-market-configuration"] {
		t.Errorf("consumer names: got %v", seen)
	}
}

// =============================================================================
// Test: Dispatcher
// =============================================================================

func TestDispatcher_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*ingestion.RawEvent)
		authErr   error
		submitErr error
		duplicate bool
		outcome   string
		wantAck   int
		wantNak   int
		wantTerm  int
		submitted int
	}{
		{name: "accepted", outcome: ingestion.OutcomeAccepted, wantAck: 1, submitted: 1},
		{name: "duplicate", duplicate: true, outcome: ingestion.OutcomeDuplicate, wantAck: 1, submitted: 1},
		{
			name:      "domain rejection is final",
			submitErr: fmt.Errorf("%w: age=10", errs.ErrOrderNotExpired),
			outcome:   ingestion.OutcomeRejected, wantAck: 1, submitted: 1,
		},
		{
			name:      "custody failure is retried",
			submitErr: fmt.Errorf("%w: push", errs.ErrCustody),
			outcome:   ingestion.OutcomeRetry, wantNak: 1, submitted: 1,
		},
		{
			name:      "cancelled context is retried",
			submitErr: context.Canceled,
			outcome:   ingestion.OutcomeRetry, wantNak: 1, submitted: 1,
		},
		{
			name:    "bad token",
			authErr: errs.ErrUnauthorized,
			outcome: ingestion.OutcomeUnauthenticated, wantTerm: 1,
		},
		{
			name:    "missing caller",
			mutate:  func(r *ingestion.RawEvent) { r.CallerID = "" },
			outcome: ingestion.OutcomeUnauthenticated, wantTerm: 1,
		},
		{
			name:    "malformed payload",
			mutate:  func(r *ingestion.RawEvent) { r.Data = []byte(`{"command_id":1}`) },
			outcome: ingestion.OutcomeMalformed, wantTerm: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, a := rawFromJSON(t, "CancelOrder", cancelPayload())
			if tt.mutate != nil {
				tt.mutate(&raw)
			}
			sub := &fakeSubmitter{err: tt.submitErr, duplicate: tt.duplicate}
			d := ingestion.NewDispatcher(nil, fakeAuth{err: tt.authErr}, sub, nil)

			got := d.Handle(context.Background(), raw)
			if got != tt.outcome {
				t.Errorf("outcome: got %s, want %s", got, tt.outcome)
			}
			if a.ack != tt.wantAck || a.nak != tt.wantNak || a.term != tt.wantTerm {
				t.Errorf("acks: got ack=%d nak=%d term=%d", a.ack, a.nak, a.term)
			}
			if len(sub.cmds) != tt.submitted {
				t.Errorf("submitted: got %d, want %d", len(sub.cmds), tt.submitted)
			}
		})
	}
}

func TestDispatcher_RunDrainsChannel(t *testing.T) {
	in := make(chan ingestion.RawEvent, 3)
	var all []*acks
	for i := 0; i < 3; i++ {
		raw, a := rawFromJSON(t, "CancelOrder", cancelPayload())
		in <- raw
		all = append(all, a)
	}
	close(in)

	sub := &fakeSubmitter{}
	d := ingestion.NewDispatcher(in, fakeAuth{}, sub, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.cmds) != 3 {
		t.Errorf("submitted: got %d, want 3", len(sub.cmds))
	}
	for i, a := range all {
		if a.ack != 1 {
			t.Errorf("message %d: ack=%d", i, a.ack)
		}
	}
}

// =============================================================================
// Test: OutboundPublisher
// =============================================================================

func TestPublishable_SubjectsAndIDs(t *testing.T) {
	market := "ETH-PERP"
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "k",
		CommandType:    "UpdatePrice",
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		StateHash:      [32]byte{1},
		Events: []event.Event{
			&event.PriceUpdated{FeedID: "ETH/USD", Price: 200_000, PublishTime: 1_700_000_000},
			&event.OrderExpired{AccountID: accountID, Market: market},
		},
	}

	pub := &fakePublisher{}
	op := ingestion.NewOutboundPublisher(pub, nil, nil)
	if err := op.PublishOutput(context.Background(), core.CoreOutput{Envelope: env}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pub.subjects) != 2 {
		t.Fatalf("published: got %d, want 2", len(pub.subjects))
	}
	if pub.subjects[0] != "perp.settle.events.PriceUpdated" {
		t.Errorf("subject 0: got %s", pub.subjects[0])
	}
	if pub.subjects[1] != "perp.settle.events.OrderExpired.ETH-PERP" {
		t.Errorf("subject 1: got %s", pub.subjects[1])
	}
	if pub.msgIDs != 2 {
		t.Errorf("expected a message id per event, got %d", pub.msgIDs)
	}

	var decoded ingestion.PublishableEvent
	if err := jsoniter.Unmarshal(pub.payloads[1], &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Sequence != 12 || decoded.Index != 1 || decoded.CommandType != "UpdatePrice" {
		t.Errorf("decoded: got %+v", decoded)
	}
	if !strings.HasPrefix(decoded.StateHash, "01") {
		t.Errorf("state hash: got %s", decoded.StateHash)
	}
}

func TestOutboundPublisher_RunSurvivesFailures(t *testing.T) {
	in := make(chan core.CoreOutput, 2)
	env := &event.EventEnvelope{
		Sequence: 1,
		Events:   []event.Event{&event.PriceUpdated{FeedID: "ETH/USD", Price: 1}},
	}
	in <- core.CoreOutput{Envelope: env}
	in <- core.CoreOutput{Envelope: env}
	close(in)

	pub := &fakePublisher{err: errors.New("no responders")}
	op := ingestion.NewOutboundPublisher(pub, in, nil)
	if err := op.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if pub.calls != 2 {
		t.Errorf("publish attempts: got %d, want 2", pub.calls)
	}
}

// --- Test helpers ---

type acks struct {
	ack, nak, term int
}

type fakeAuth struct {
	err error
}

func (f fakeAuth) Verify(uuid.UUID, string) error { return f.err }

type fakeSubmitter struct {
	err       error
	duplicate bool
	cmds      []command.Command
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd command.Command) (*core.Result, error) {
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Result{Sequence: int64(len(f.cmds)), Duplicate: f.duplicate}, nil
}

type fakePublisher struct {
	err      error
	calls    int
	msgIDs   int
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	f.msgIDs += len(opts)
	return &jetstream.PubAck{Stream: ingestion.EventStream, Sequence: uint64(f.calls)}, nil
}
