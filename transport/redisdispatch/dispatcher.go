// Package redisdispatch delivers saga commands over Redis Streams.
//
// Commands are appended to <prefix>:commands:<command type>. Participants
// append a sec.ResultMessage to <prefix>:replies, which the dispatcher reads
// through a consumer group and acknowledges once the coordinator accepted it.
package redisdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fortressi/sec"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures stream names and the reply consumer.
type Options struct {
	Prefix    string        `yaml:"prefix"`
	Group     string        `yaml:"group"`
	Consumer  string        `yaml:"consumer"`
	BatchSize int64         `yaml:"batch_size"`
	Block     time.Duration `yaml:"block"`
	// MaxLen caps each command stream (approximate trimming); zero keeps everything.
	MaxLen int64 `yaml:"max_len"`
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "sec"
	}
	if o.Group == "" {
		o.Group = "sec-coordinator"
	}
	if o.Consumer == "" {
		o.Consumer = "coordinator-1"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	return o
}

// Dispatcher is a sec.Dispatcher over Redis Streams.
type Dispatcher struct {
	client *redis.Client
	opts   Options
	log    *zap.Logger

	mu   sync.RWMutex
	sink sec.ReplySink
}

func New(client *redis.Client, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{client: client, opts: opts.withDefaults(), log: log}
}

// CommandStream is the stream commands of the given type are appended to.
func (d *Dispatcher) CommandStream(commandType sec.CommandType) string {
	return d.opts.Prefix + ":commands:" + string(commandType)
}

// ReplyStream is the stream participants append results to.
func (d *Dispatcher) ReplyStream() string {
	return d.opts.Prefix + ":replies"
}

func (d *Dispatcher) Bind(sink sec.ReplySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *Dispatcher) Send(ctx context.Context, cmd sec.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: d.CommandStream(cmd.Type),
		Values: map[string]any{
			"idempotency_key": cmd.IdempotencyKey,
			"reply_to":        d.ReplyStream(),
			"data":            string(data),
		},
	}
	if d.opts.MaxLen > 0 {
		args.MaxLen = d.opts.MaxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Run consumes the reply stream until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	stream := d.ReplyStream()
	err := d.client.XGroupCreateMkStream(ctx, stream, d.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.opts.Group,
			Consumer: d.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    d.opts.BatchSize,
			Block:    d.opts.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			d.log.Warn("read saga replies", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.Block):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				d.process(ctx, stream, msg)
			}
		}
	}
}

// process hands one reply to the sink. Malformed replies are acknowledged and
// dropped; replies the sink could not take stay pending for redelivery.
func (d *Dispatcher) process(ctx context.Context, stream string, msg redis.XMessage) {
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink == nil {
		return
	}

	raw, _ := msg.Values["data"].(string)
	res, err := sec.DecodeResult([]byte(raw))
	if err != nil {
		d.log.Warn("dropping malformed saga reply", zap.String("id", msg.ID), zap.Error(err))
	} else if err := sink.OnStepResult(ctx, res); err != nil {
		d.log.Warn("deliver step result", zap.Stringer("saga_id", res.InstanceID), zap.Error(err))
		return
	}
	if err := d.client.XAck(ctx, stream, d.opts.Group, msg.ID).Err(); err != nil {
		d.log.Warn("ack saga reply", zap.String("id", msg.ID), zap.Error(err))
	}
}

// Reply appends a result to a reply stream. Participants written in Go use it
// to answer commands.
func Reply(ctx context.Context, client *redis.Client, stream string, res sec.StepResult) error {
	data, err := json.Marshal(sec.NewResultMessage(res))
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(data)},
	}).Err()
}
