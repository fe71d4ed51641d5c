package broker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// RedisDialer connects to Redis pub/sub. Nodes map to channels; messages
// are msgpack-encoded with headers carried inside the envelope.
type RedisDialer struct{}

// Dial connects to url (e.g. redis://localhost:6379/0).
func (d *RedisDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid redis url", err)
	}
	// Reconnecting is left to the link.
	opts.MaxRetries = -1

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "connect to redis", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	return &redisConn{
		client:   client,
		listener: l,
		ctx:      loopCtx,
		cancel:   cancel,
	}, nil
}

type redisConn struct {
	client   *redis.Client
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup

	closing atomic.Bool
	ended   atomic.Bool
}

func (c *redisConn) Subscribe(ctx context.Context, node string) error {
	if c.closing.Load() {
		return errors.ClosedError("redis connection", nil)
	}

	pubsub := c.client.Subscribe(ctx, node)

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(errors.CodeUnavailable, "subscribe to "+node, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, pubsub)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(pubsub)
	return nil
}

func (c *redisConn) Publish(ctx context.Context, node string, msg Message) error {
	if c.closing.Load() {
		return errors.ClosedError("redis connection", nil)
	}

	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal message", err)
	}
	if err := c.client.Publish(ctx, node, data).Err(); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to redis", err)
	}
	return nil
}

func (c *redisConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	for _, pubsub := range c.subs {
		_ = pubsub.Close()
	}
	c.subs = nil
	c.mu.Unlock()

	c.wg.Wait()
	return c.client.Close()
}

func (c *redisConn) receive(pubsub *redis.PubSub) {
	defer c.wg.Done()

	for {
		m, err := pubsub.ReceiveMessage(c.ctx)
		if err != nil {
			c.end(err)
			return
		}

		c.listener.OnMessage(decodeRedisPayload(m))
	}
}

func decodeRedisPayload(m *redis.Message) Message {
	dec := msgpack.NewDecoder(strings.NewReader(m.Payload))
	// Numbers come back as int64/uint64/float64 rather than the narrowest type.
	dec.UseLooseInterfaceDecoding(true)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{Topic: m.Channel, Data: m.Payload}
	}
	return msg
}

// end reports the first terminal notification unless the owner closed the
// connection.
func (c *redisConn) end(err error) {
	if c.closing.Load() || !c.ended.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		c.listener.OnError(err)
		return
	}
	c.listener.OnClose()
}
