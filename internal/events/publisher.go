// Package events publishes machine lifecycle notifications to NATS so other
// lab tooling can react to topology changes.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectMachines is the subject all machine lifecycle events go to.
const SubjectMachines = "vmlab.machines"

type Type string

const (
	TypeUp          Type = "up"
	TypeProvisioned Type = "provisioned"
	TypeDestroyed   Type = "destroyed"
	TypeFailed      Type = "failed"
)

type Event struct {
	Topology string    `json:"topology,omitempty"`
	Machine  string    `json:"machine"`
	VMID     string    `json:"vm_id,omitempty"`
	Type     Type      `json:"type"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher connects to the NATS server at url. An empty url returns a
// disabled publisher whose methods are no-ops, so callers never need to
// branch on whether eventing is configured.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return &Publisher{logger: logger}, nil
	}

	opts := []nats.Option{
		nats.Name("vmlab"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	logger.Info("nats connected", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// Publish sends the event on the machines subject. Failures are logged, not
// returned: event delivery never blocks a machine operation.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.nc == nil {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", "err", err)
		return
	}
	if err := p.nc.Publish(SubjectMachines, data); err != nil {
		p.logger.Warn("publish event", "machine", ev.Machine, "type", ev.Type, "err", err)
	}
}

func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.Drain()
	p.nc.Close()
}
