package natsq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"wasched/internal/events"
)

type Config struct {
	Name          string
	MaxReconnects int
}

func Connect(url string, cfg Config) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Publisher sends dispatch events to Subject.<status>.
type Publisher struct {
	Conn    *nats.Conn
	Subject string
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Publish(ctx context.Context, ev events.DispatchEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.subject(ev), body)
}

func (p *Publisher) subject(ev events.DispatchEvent) string {
	if ev.Status == "" {
		return p.Subject
	}
	return p.Subject + "." + ev.Status
}
