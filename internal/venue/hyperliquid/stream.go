package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream keeps an allMids cache fed by the websocket feed. It reconnects
// and resubscribes on read errors until its context ends.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.RWMutex
	mids    map[string]float64
	updated time.Time
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		mids:           make(map[string]float64),
	}
}

var (
	allMidsSubscription = map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "allMids"},
	}
	pingMessage = map[string]any{"method": "ping"}
)

type streamMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type allMidsData struct {
	Mids map[string]string `json:"mids"`
}

// Mid returns a cached mid no older than maxAge. A zero maxAge accepts any
// cached value.
func (s *Stream) Mid(coin string, maxAge time.Duration) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxAge > 0 && time.Since(s.updated) > maxAge {
		return 0, false
	}
	px, ok := s.mids[coin]
	return px, ok && px > 0
}

func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logSessionEnd(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "reset") }()
	if err := writeJSON(ctx, conn, allMidsSubscription); err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if msg.Channel != "allMids" {
		return
	}
	var payload allMidsData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.log.Debug("allMids decode error", zap.Error(err))
		return
	}
	s.storeMids(payload.Mids)
}

func (s *Stream) storeMids(mids map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for coin, raw := range mids {
		if px := optFloat(raw); px > 0 {
			s.mids[coin] = px
		}
	}
	s.updated = time.Now()
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *Stream) logSessionEnd(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			s.log.Info("ws session ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	s.log.Warn("ws session ended", zap.Error(err))
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
