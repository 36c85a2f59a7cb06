// Package events publishes position lifecycle changes to NATS so downstream
// consumers can follow the bot without reading its store.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"funding-rotation-bot/internal/config"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Kind string

const (
	KindOpened           Kind = "opened"
	KindClosed           Kind = "closed"
	KindError            Kind = "error"
	KindReconciled       Kind = "reconciled"
	KindExternallyClosed Kind = "externally_closed"
)

type Lifecycle struct {
	Kind        Kind      `json:"kind"`
	At          time.Time `json:"at"`
	Phase       string    `json:"phase"`
	Instrument  string    `json:"instrument,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Leverage    int       `json:"leverage,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	CapitalUSD  float64   `json:"capital_usd,omitempty"`
	EntryAPR    float64   `json:"entry_apr,omitempty"`
	Funding     float64   `json:"funding,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

type Publisher struct {
	conn   Conn
	prefix string
	log    *zap.Logger
}

// Connect returns a nil publisher when events are disabled; Publish and Close
// accept a nil receiver.
func Connect(cfg config.EventsConfig, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("funding-rotation-bot"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisher(conn, cfg.SubjectPrefix, log), nil
}

func NewPublisher(conn Conn, prefix string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "frb.lifecycle"
	}
	return &Publisher{conn: conn, prefix: prefix, log: log}
}

func (p *Publisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

func (p *Publisher) Publish(ev Lifecycle) error {
	if p == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := p.Subject(ev.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("lifecycle event publish failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
