// Package natsdispatch delivers saga commands over NATS.
//
// Commands are published to <prefix>.commands.<command type> with the reply
// subject set to <prefix>.replies, where participants publish a
// sec.ResultMessage. The Nats-Msg-Id header carries the idempotency key so a
// JetStream-backed subject deduplicates redeliveries.
package natsdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fortressi/sec"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultPrefix = "sec"

// Dispatcher is a sec.Dispatcher over a NATS connection.
type Dispatcher struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger

	mu   sync.Mutex
	sink sec.ReplySink
	sub  *nats.Subscription
}

// New creates a dispatcher publishing under prefix.
func New(conn *nats.Conn, prefix string, log *zap.Logger) *Dispatcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{conn: conn, prefix: prefix, log: log}
}

// Connect dials url and creates a dispatcher on the new connection.
func Connect(url, prefix string, log *zap.Logger) (*Dispatcher, error) {
	conn, err := nats.Connect(url, nats.Name("sec-coordinator"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return New(conn, prefix, log), nil
}

// CommandSubject is the subject commands of the given type are published to.
func (d *Dispatcher) CommandSubject(commandType sec.CommandType) string {
	return d.prefix + ".commands." + string(commandType)
}

// ReplySubject is the subject participants publish results to.
func (d *Dispatcher) ReplySubject() string {
	return d.prefix + ".replies"
}

// Bind sets the sink results are delivered to and subscribes to the reply subject.
func (d *Dispatcher) Bind(sink sec.ReplySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
	if d.sub != nil || d.conn == nil {
		return
	}
	sub, err := d.conn.Subscribe(d.ReplySubject(), d.handleReply)
	if err != nil {
		d.log.Error("subscribe to saga replies", zap.String("subject", d.ReplySubject()), zap.Error(err))
		return
	}
	d.sub = sub
}

// encode builds the NATS message for cmd.
func (d *Dispatcher) encode(cmd sec.Command) (*nats.Msg, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	msg := nats.NewMsg(d.CommandSubject(cmd.Type))
	msg.Reply = d.ReplySubject()
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, cmd.IdempotencyKey)
	msg.Header.Set("Saga-Id", cmd.InstanceID.String())
	return msg, nil
}

func (d *Dispatcher) Send(_ context.Context, cmd sec.Command) error {
	if d.conn == nil {
		return errors.New("nats dispatcher has no connection")
	}
	msg, err := d.encode(cmd)
	if err != nil {
		return err
	}
	if err := d.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (d *Dispatcher) handleReply(msg *nats.Msg) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return
	}
	res, err := sec.DecodeResult(msg.Data)
	if err != nil {
		d.log.Warn("dropping malformed saga reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := sink.OnStepResult(context.Background(), res); err != nil {
		d.log.Warn("deliver step result", zap.Stringer("saga_id", res.InstanceID), zap.Error(err))
	}
}

// Close unsubscribes and drains the connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			return err
		}
		d.sub = nil
	}
	if d.conn != nil {
		return d.conn.Drain()
	}
	return nil
}
