package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestStreamCachesAllMids(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subscribed := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		subscribed <- msg
		payload := `{"channel":"allMids","data":{"mids":{"ETH":"3001.5","@2":"3000.25","BAD":"x"}}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	stream := NewStream("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, time.Second, nil)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = stream.Run(runCtx) }()

	select {
	case msg := <-subscribed:
		if msg["method"] != "subscribe" {
			t.Fatalf("expected subscribe message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if px, ok := stream.Mid("ETH", time.Minute); ok {
			if px != 3001.5 {
				t.Fatalf("unexpected mid %v", px)
			}
			if _, ok := stream.Mid("BAD", 0); ok {
				t.Fatalf("expected malformed mid to be skipped")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mid never cached")
}

func TestNilStreamHasNoMids(t *testing.T) {
	var s *Stream
	if _, ok := s.Mid("ETH", 0); ok {
		t.Fatalf("expected nil stream to report no mid")
	}
}

func TestStreamIgnoresOtherChannels(t *testing.T) {
	s := NewStream("", 0, 0, nil)
	s.handle([]byte(`{"channel":"pong"}`))
	s.handle([]byte(`not json`))
	if _, ok := s.Mid("ETH", 0); ok {
		t.Fatalf("expected empty cache")
	}
	s.handle([]byte(`{"channel":"allMids","data":{"mids":{"ETH":"10"}}}`))
	if px, ok := s.Mid("ETH", time.Minute); !ok || px != 10 {
		t.Fatalf("expected cached mid, got %v %v", px, ok)
	}
}
