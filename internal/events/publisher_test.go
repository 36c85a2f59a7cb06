package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"funding-rotation-bot/internal/config"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	sent   []message
	err    error
	closed bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, message{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestPublishUsesKindSubject(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "frb.lifecycle.", nil)
	at := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	err := p.Publish(Lifecycle{Kind: KindClosed, At: at, Phase: "NO_POSITION", Instrument: "ETH", Reason: "fee_coverage", RealizedPnL: 12.5})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(conn.sent))
	}
	if conn.sent[0].subject != "frb.lifecycle.closed" {
		t.Fatalf("unexpected subject %s", conn.sent[0].subject)
	}
	var got Lifecycle
	if err := json.Unmarshal(conn.sent[0].data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Instrument != "ETH" || got.Reason != "fee_coverage" || got.RealizedPnL != 12.5 || !got.At.Equal(at) {
		t.Fatalf("unexpected payload %#v", got)
	}
}

func TestPublishDefaultsPrefixAndTime(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "", nil)
	if err := p.Publish(Lifecycle{Kind: KindError, Error: "partial execution"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if conn.sent[0].subject != "frb.lifecycle.error" {
		t.Fatalf("unexpected subject %s", conn.sent[0].subject)
	}
	var got Lifecycle
	_ = json.Unmarshal(conn.sent[0].data, &got)
	if got.At.IsZero() {
		t.Fatalf("expected publish time to be filled in")
	}
}

func TestPublishReturnsConnError(t *testing.T) {
	boom := errors.New("nats: connection closed")
	p := NewPublisher(&fakeConn{err: boom}, "x", nil)
	if err := p.Publish(Lifecycle{Kind: KindOpened}); !errors.Is(err, boom) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestDisabledPublisherIsNil(t *testing.T) {
	p, err := Connect(config.EventsConfig{Enabled: false}, nil)
	if err != nil || p != nil {
		t.Fatalf("expected nil publisher, got %v %v", p, err)
	}
	if err := p.Publish(Lifecycle{Kind: KindOpened}); err != nil {
		t.Fatalf("nil publisher should be a no-op: %v", err)
	}
	p.Close()
}
