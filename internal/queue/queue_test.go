package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"larkbot/internal/notify"
)

func validTurn() TurnMessage {
	return TurnMessage{
		MsgType:    "text",
		Msg:        "hello",
		OpenChatID: "oc_123",
		MessageID:  "om_456",
		MsgBody:    notify.Handle{ChannelID: "oc_123", MessageID: "om_789", Status: notify.AckSuccess},
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	raw, err := Encode(validTurn())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m != validTurn() {
		t.Fatalf("roundtrip mismatch: %+v", m)
	}
}

func TestEncodeRejectsMissingFields(t *testing.T) {
	m := validTurn()
	m.OpenChatID = ""
	if _, err := Encode(m); err == nil || !strings.Contains(err.Error(), "open_chat_id") {
		t.Fatalf("expected open_chat_id error, got %v", err)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := Decode([]byte(`{"msg_type":"text","msg":"x","open_chat_id":"a","message_id":"b","msg_body":{},"extra":1}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode([]byte(`{"msg_type":"text","msg":"x","open_chat_id":"a","message_id":"b","msg_body":{}} garbage`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestQueueDeliversToWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(4)
	got := make(chan TurnMessage, 1)
	q.Start(ctx, 2, func(_ context.Context, m TurnMessage) {
		got <- m
	})

	if err := q.Publish(ctx, validTurn()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		if m.MessageID != "om_456" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("turn not delivered")
	}

	cancel()
	q.Wait()
}

func TestPublishFailsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := New(0)
	// fill the single-slot buffer so Publish has to block on the context
	q.jobs = make(chan []byte)
	if err := q.Publish(ctx, validTurn()); err == nil {
		t.Fatalf("expected context error")
	}
}
