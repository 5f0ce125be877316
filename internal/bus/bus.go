// Package bus implements the typed stream layer over Redis primitives:
// append-only output streams (XADD/XRANGE/XREAD) and pub/sub channels
// for the interactive input flow.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/circuitbreaker"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/errs"
)

// GlobalOutputStream carries envelopes for every task, consumed by the
// dashboard. It is shared across clients.
const GlobalOutputStream = "task-output"

// QueueKey is the Redis list workers pull submissions from.
const QueueKey = "task-queue"

// Per-task key layout, matching the wire contract the child speaks.
func OutputStream(taskID string) string        { return "task:" + taskID + ":output" }
func InputRequestChannel(taskID string) string { return "task:" + taskID + ":input_request" }
func InputResponseChannel(taskID string) string {
	return "task:" + taskID + ":input_response"
}
func StatusChannel(taskID string) string { return "task:" + taskID + ":status" }
func CancelChannel(taskID string) string { return "task:" + taskID + ":cancel" }
func LeaseKey(taskID string) string      { return "task:" + taskID + ":lease" }

const payloadField = "payload"

// Bus is the Redis-backed stream bus shared by all components.
type Bus struct {
	rdb     *redis.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
	maxLen  int64
}

// New connects to Redis and verifies reachability.
func New(redisURL string, maxStreamLen int, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errs.Wrap(errs.KindBusUnavailable, "redis unreachable", err)
	}
	return &Bus{
		rdb:     rdb,
		breaker: circuitbreaker.New("redis", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
		maxLen:  int64(maxStreamLen),
	}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, maxStreamLen int, logger *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		breaker: circuitbreaker.New("redis", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
		maxLen:  int64(maxStreamLen),
	}
}

// Client exposes the underlying connection for queue and lease state.
func (b *Bus) Client() *redis.Client { return b.rdb }

func (b *Bus) Close() error { return b.rdb.Close() }

// Ping reports backend reachability, used by health checks.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.KindBusUnavailable, "ping", err)
	}
	return nil
}

// PingContext satisfies the health checker contract.
func (b *Bus) PingContext(ctx context.Context) error { return b.Ping(ctx) }

// Append writes an envelope to a stream, trimming to the configured
// approximate max length. Returns the stream entry id.
func (b *Bus) Append(ctx context.Context, stream string, env envelope.Envelope) (string, error) {
	var id string
	err := b.breaker.Execute(ctx, func() error {
		var err error
		id, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]interface{}{payloadField: string(env.Marshal())},
		}).Result()
		return err
	})
	if err != nil {
		return "", errs.Wrap(errs.KindBusUnavailable, "xadd "+stream, err)
	}
	return id, nil
}

// AppendOutput writes a print/termination envelope to both the task
// stream and the global stream, preserving per-stream append order.
func (b *Bus) AppendOutput(ctx context.Context, env envelope.Envelope) error {
	if _, err := b.Append(ctx, OutputStream(env.TaskID), env); err != nil {
		return err
	}
	if _, err := b.Append(ctx, GlobalOutputStream, env); err != nil {
		return err
	}
	return nil
}

// Publish sends an envelope on a pub/sub channel. At-least-once:
// callers retry via WithRetry and consumers dedupe by envelope key.
func (b *Bus) Publish(ctx context.Context, channel string, env envelope.Envelope) error {
	err := b.breaker.Execute(ctx, func() error {
		return b.rdb.Publish(ctx, channel, string(env.Marshal())).Err()
	})
	if err != nil {
		return errs.Wrap(errs.KindBusUnavailable, "publish "+channel, err)
	}
	return nil
}

// Subscribe consumes a pub/sub channel until ctx is done or the
// returned cancel func is called. Blocks until Redis confirms the
// SUBSCRIBE, so a frame published after Subscribe returns cannot be
// lost. Malformed payloads are dropped with a warning; the child is
// the only writer and a malformed frame there is handled as a protocol
// violation upstream.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan envelope.Envelope, func()) {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		b.logger.Warn("Subscribe confirmation failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
	out := make(chan envelope.Envelope, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := envelope.Parse([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("Dropping malformed envelope",
						zap.String("channel", channel),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var once func()
	closed := make(chan struct{})
	once = func() {
		select {
		case <-closed:
		default:
			close(closed)
			close(done)
			_ = sub.Close()
		}
	}
	return out, once
}

// Range reads a stream slice. Use "-" and "+" for the full stream.
func (b *Bus) Range(ctx context.Context, stream, from, to string) ([]envelope.Envelope, error) {
	var msgs []redis.XMessage
	err := b.breaker.Execute(ctx, func() error {
		var err error
		msgs, err = b.rdb.XRange(ctx, stream, from, to).Result()
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindBusUnavailable, "xrange "+stream, err)
	}
	out := make([]envelope.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env, ok := decodeMessage(m)
		if !ok {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Tail follows a stream. fromEarliest replays the backlog first; the
// default starts at "now". The returned cancel func stops the reader.
func (b *Bus) Tail(ctx context.Context, stream string, fromEarliest bool) (<-chan envelope.Envelope, func()) {
	out := make(chan envelope.Envelope, 64)
	tailCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		last := "$"
		if fromEarliest {
			last = "0"
		}
		for {
			res, err := b.rdb.XRead(tailCtx, &redis.XReadArgs{
				Streams: []string{stream, last},
				Block:   time.Second,
				Count:   64,
			}).Result()
			if err != nil {
				if tailCtx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				b.logger.Warn("Stream read failed, retrying",
					zap.String("stream", stream),
					zap.Error(err),
				)
				select {
				case <-tailCtx.Done():
					return
				case <-time.After(250 * time.Millisecond):
				}
				continue
			}
			for _, st := range res {
				for _, m := range st.Messages {
					last = m.ID
					env, ok := decodeMessage(m)
					if !ok {
						continue
					}
					select {
					case out <- env:
					case <-tailCtx.Done():
						return
					}
				}
			}
		}
	}()
	return out, cancel
}

// Delete removes streams or keys; used by cleanup after retention.
func (b *Bus) Delete(ctx context.Context, keys ...string) error {
	err := b.breaker.Execute(ctx, func() error {
		return b.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		return errs.Wrap(errs.KindBusUnavailable, "del", err)
	}
	return nil
}

func decodeMessage(m redis.XMessage) (envelope.Envelope, bool) {
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		return envelope.Envelope{}, false
	}
	env, err := envelope.Parse([]byte(raw))
	if err != nil {
		return envelope.Envelope{}, false
	}
	return env, true
}

// Retry policy for transient bus failures: capped exponential backoff,
// 50ms doubling to a 5s cap, at most 6 attempts.
const (
	retryBase     = 50 * time.Millisecond
	retryCap      = 5 * time.Second
	retryAttempts = 6
)

// WithRetry retries fn on transient errors per the bus policy. The
// final error is returned once attempts are exhausted; callers surface
// it as a task-level infrastructure failure.
func WithRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errs.KindOf(err).Transient() {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		logger.Warn("Transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}
