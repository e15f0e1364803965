package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"capsync/events"
)

// SubjectPrefix roots every published subject.
const SubjectPrefix = "capsync.device"

// publisher is the part of *nats.Conn the fan-out needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher republishes bus events as JSON on
// capsync.device.<device_id>.<event_type>.
type NATSPublisher struct {
	conn   publisher
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newNATSPublisher(nc, logger)
	p.nc = nc
	return p, nil
}

func newNATSPublisher(conn publisher, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger.With("component", "nats")}
}

// Message is the JSON body of a published event.
type Message struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	At        int64  `json:"at_unix_ms"`
	State     string `json:"state,omitempty"`
	PrevState string `json:"prev_state,omitempty"`
	Command   string `json:"command,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	OffsetNs  int64  `json:"offset_ns,omitempty"`
	DelayNs   int64  `json:"delay_ns,omitempty"`
	Version   int    `json:"version,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Subject returns the subject an event is published on. NATS tokens cannot
// contain dots or wildcards, so those are replaced in the device ID.
func Subject(e events.Event) string {
	id := e.DeviceID
	if id == "" {
		id = "_"
	}
	id = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
	return SubjectPrefix + "." + id + "." + string(e.Type)
}

// Publish sends one event.
func (p *NATSPublisher) Publish(e events.Event) error {
	msg := Message{
		Type:      string(e.Type),
		DeviceID:  e.DeviceID,
		At:        e.At.UnixMilli(),
		State:     string(e.State),
		PrevState: string(e.PrevState),
		Command:   string(e.Command),
		CommandID: e.CommandID,
		Code:      string(e.Code),
		Attempt:   e.Attempt,
		OffsetNs:  int64(e.Offset),
		DelayNs:   int64(e.Delay),
		Version:   e.Version,
		Detail:    e.Detail,
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(e), err)
	}
	return nil
}

// Run forwards bus events until ctx is done or the bus closes. A nil filter
// forwards everything.
func (p *NATSPublisher) Run(ctx context.Context, bus *events.Bus, filter events.Filter) {
	sub := bus.Subscribe(filter)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := p.Publish(e); err != nil {
				p.logger.Warn("forward event", "type", e.Type, "device_id", e.DeviceID, "error", err)
			}
		}
	}
}

// Close drains and closes an owned connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	_ = p.nc.Drain()
	p.nc.Close()
}
