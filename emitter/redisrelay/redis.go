package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed relay. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Prefix for pub/sub channel names. ENV: RPC_EVENTS_PREFIX
	Prefix string `env:"RPC_EVENTS_PREFIX,default=rpc:events:"`
}

// ConfigFromEnv decodes a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode redis relay config: %w", err)
	}
	return cfg, nil
}

// NewClient connects to c.Addr and verifies the connection.
func (c Config) NewClient(ctx context.Context) (*redis.Client, error) {
	addr := c.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cl, nil
}

// Option configures a Relay.
type Option func(*options)

type options struct {
	prefix         string
	topic          string
	log            *slog.Logger
	queueSize      int
	publishTimeout time.Duration
}

// WithPrefix sets the channel name prefix. Defaults to "rpc:events:".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTopic names the channel shared by all relays of one bus. Relays for
// buses with different payload types must use different topics. Defaults to
// "default".
func WithTopic(topic string) Option {
	return func(o *options) { o.topic = topic }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithQueueSize bounds the number of values waiting to be published.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithPublishTimeout bounds each PUBLISH round trip.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
}

// Relay is an emitter.Bus spanning every process connected to the same Redis
// channel.
type Relay[T any] struct {
	client  redis.UniversalClient
	local   *emitter.Emitter[T]
	pubsub  *redis.PubSub
	channel string
	origin  string
	log     *slog.Logger
	timeout time.Duration

	outbox chan envelope
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ emitter.Bus[int] = (*Relay[int])(nil)

// New subscribes to the relay channel and starts forwarding. It returns once
// Redis has confirmed the subscription, so values published by other nodes
// after New returns are observed.
func New[T any](ctx context.Context, client redis.UniversalClient, local *emitter.Emitter[T], opts ...Option) (*Relay[T], error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if local == nil {
		return nil, fmt.Errorf("local emitter is required")
	}

	o := options{prefix: "rpc:events:", topic: "default", queueSize: 256, publishTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}

	channel := o.prefix + o.topic
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Relay[T]{
		client:  client,
		local:   local,
		pubsub:  pubsub,
		channel: channel,
		origin:  uuid.NewString(),
		log:     o.log.With(slog.String("channel", channel)),
		timeout: o.publishTimeout,
		outbox:  make(chan envelope, o.queueSize),
		cancel:  cancel,
	}

	r.wg.Add(2)
	go r.receiveLoop(runCtx)
	go r.publishLoop(runCtx)

	return r, nil
}

// Subscribe implements emitter.Bus.
func (r *Relay[T]) Subscribe(event string) *emitter.Subscription[T] {
	return r.local.Subscribe(event)
}

// SubscribeContext implements emitter.Bus.
func (r *Relay[T]) SubscribeContext(ctx context.Context, event string) *emitter.Subscription[T] {
	return r.local.SubscribeContext(ctx, event)
}

// Emit delivers v to local listeners and queues it for the other nodes. The
// return value counts local deliveries only.
func (r *Relay[T]) Emit(event string, v T) int {
	delivered := r.local.Emit(event, v)

	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error("relay.encode.fail", slog.String("event", event), slog.String("err", err.Error()))
		return delivered
	}

	select {
	case r.outbox <- envelope{Event: event, Data: data, Origin: r.origin}:
	default:
		r.log.Warn("relay.outbox.full", slog.String("event", event))
	}
	return delivered
}

// Close stops forwarding and releases the Redis subscription. It does not
// close the local emitter or the Redis client.
func (r *Relay[T]) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}

func (r *Relay[T]) publishLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				r.log.Error("relay.envelope.encode.fail", slog.String("err", err.Error()))
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
			err = r.client.Publish(pubCtx, r.channel, payload).Err()
			cancel()
			if err != nil {
				r.log.Warn("relay.publish.fail", slog.String("event", env.Event), slog.String("err", err.Error()))
			}
		}
	}
}

func (r *Relay[T]) receiveLoop(ctx context.Context) {
	defer r.wg.Done()

	msgs := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay[T]) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("relay.envelope.decode.fail", slog.String("err", err.Error()))
		return
	}
	if env.Origin == r.origin {
		return
	}
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		r.log.Warn("relay.payload.decode.fail", slog.String("event", env.Event), slog.String("err", err.Error()))
		return
	}
	r.local.Emit(env.Event, v)
}
