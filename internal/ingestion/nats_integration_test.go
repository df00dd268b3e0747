package ingestion_test

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
)

// =============================================================================
// Test: JetStream round trip
// =============================================================================

func TestNATSSubscriber_DeliversCommandWithCaller(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	var cancelSubject ingestion.SubjectConfig
	for _, s := range ingestion.DefaultSubjects() {
		if s.CommandType == "CancelOrder" {
			cancelSubject = s
		}
	}

	events := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, events)
	if err := sub.Subscribe(ctx, []ingestion.SubjectConfig{cancelSubject}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	commandID := uuid.New()
	payload := cancelPayload()
	payload["command_id"] = commandID.String()
	data, err := jsoniter.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg := nats.NewMsg(cancelSubject.Subject)
	msg.Data = data
	msg.Header.Set(ingestion.HeaderCallerID, callerID.String())
	msg.Header.Set(ingestion.HeaderCallerToken, "secret")
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// earlier runs may have left messages on the work queue; drain until ours arrives
	for {
		select {
		case raw := <-events:
			raw.AckFunc()
			caller, err := ingestion.ParseCaller(raw)
			if err != nil {
				continue
			}
			cmd, err := ingestion.ParseRawEvent(raw, caller)
			if err != nil {
				continue
			}
			co, ok := cmd.(*command.CancelOrder)
			if !ok || co.ID != commandID {
				continue
			}
			if caller != callerID || raw.CallerToken != "secret" {
				t.Errorf("caller headers: got %s/%q", caller, raw.CallerToken)
			}
			if co.CallerID != callerID {
				t.Errorf("command caller: got %s, want %s", co.CallerID, callerID)
			}
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for published command")
		}
	}
}

func TestEnsureStreams_Idempotent(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			t.Fatalf("ensure command stream (pass %d): %v", i, err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			t.Fatalf("ensure outbound stream (pass %d): %v", i, err)
		}
	}
	if _, err := js.Stream(ctx, ingestion.EventStream); err != nil {
		t.Errorf("outbound stream missing: %v", err)
	}
}
