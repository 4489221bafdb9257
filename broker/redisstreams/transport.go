// Package redisstreams implements broker.IAdapter on Redis Streams
// consumer groups: one group per (topic, subscriptionName), XREADGROUP for
// delivery, XACK on Ack, left pending for XAUTOCLAIM-based redelivery on
// Nack, and a side "<stream>:dlq" stream for DeadLetter.
package redisstreams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"partnersaga/broker"
	"partnersaga/envelope"
	"partnersaga/logging"
	"partnersaga/patterns/retry"
)

// Config describes how the adapter connects to Redis and behaves.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	ClaimMinIdle time.Duration
	Logger       logging.ILogger

	MaxInFlightPublish int
	MinReadBackoff     time.Duration
	MaxReadBackoff     time.Duration
}

type registration struct {
	topic            string
	subscriptionName string
	handler          broker.Handler
}

// Adapter implements broker.IAdapter on Redis Streams.
type Adapter struct {
	cfg       Config
	client    redis.UniversalClient
	ownClient bool
	logger    logging.ILogger
	inflight  chan struct{}

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	regs    map[string]*registration
	started map[string]bool
}

// NewAdapter constructs a Redis Streams adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "saga:"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "broker.redisstreams"))
	}

	var client redis.UniversalClient
	var own bool
	if cfg.Client != nil {
		client = cfg.Client
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}

	max := cfg.MaxInFlightPublish
	if max <= 0 {
		max = 256
	}

	return &Adapter{
		cfg:       cfg,
		client:    client,
		ownClient: own,
		logger:    cfg.Logger,
		inflight:  make(chan struct{}, max),
		regs:      make(map[string]*registration),
		started:   make(map[string]bool),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("redis streams adapter already running")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	for key := range a.regs {
		a.startReaderLocked(key)
	}
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		if a.ownClient {
			return a.client.Close()
		}
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	if a.ownClient {
		return a.client.Close()
	}
	return nil
}

func (a *Adapter) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	select {
	case a.inflight <- struct{}{}:
		defer func() { <-a.inflight }()
	case <-ctx.Done():
		return ctx.Err()
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	stream := a.streamName(topic)

	return withPublishRetry(ctx, topic, func(ctx context.Context) error {
		return a.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"envelope": data},
		}).Err()
	})
}

func (a *Adapter) Subscribe(ctx context.Context, topic, subscriptionName string, handler broker.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := regKey(topic, subscriptionName)
	a.regs[key] = &registration{topic: topic, subscriptionName: subscriptionName, handler: handler}
	if a.running {
		a.startReaderLocked(key)
	}
	return nil
}

func (a *Adapter) startReaderLocked(key string) {
	if a.started[key] {
		return
	}
	a.started[key] = true
	reg := a.regs[key]
	a.wg.Add(1)
	go a.readLoop(reg)
}

func (a *Adapter) readLoop(reg *registration) {
	defer a.wg.Done()
	stream := a.streamName(reg.topic)
	group := reg.subscriptionName
	if err := a.ensureGroup(stream, group); err != nil {
		a.logger.Warn(a.ctx, "ensure consumer group failed", logging.String("stream", stream), logging.Error(err))
	}

	backoff := a.cfg.MinReadBackoff
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.reclaimStale(stream, group, reg.handler)

		res, err := a.client.XReadGroup(a.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: a.cfg.ConsumerName,
			Streams:  []string{stream, ">"},
			Count:    a.cfg.ReadCount,
			Block:    a.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			a.logger.Warn(a.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > a.cfg.MaxReadBackoff {
				backoff = a.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = a.cfg.MinReadBackoff

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				a.handleEntry(stream, group, entry, reg.handler)
			}
		}
	}
}

func (a *Adapter) handleEntry(stream, group string, entry redis.XMessage, handler broker.Handler) {
	raw, _ := entry.Values["envelope"].(string)
	env, err := envelope.Decode([]byte(raw))
	if err != nil {
		a.logger.Error(a.ctx, "failed to decode stream entry, dead-lettering", logging.Error(err),
			logging.String("stream", stream))
		a.deadLetter(stream, group, entry)
		return
	}

	switch handler(a.ctx, env) {
	case broker.Ack:
		if err := a.client.XAck(a.ctx, stream, group, entry.ID).Err(); err != nil {
			a.logger.Warn(a.ctx, "xack failed", logging.Error(err))
		}
	case broker.Nack:
		// Leave pending; reclaimStale redelivers it once ClaimMinIdle elapses.
	case broker.DeadLetter:
		a.deadLetter(stream, group, entry)
	}
}

func (a *Adapter) deadLetter(stream, group string, entry redis.XMessage) {
	dlq := stream + ":dlq"
	if err := a.client.XAdd(a.ctx, &redis.XAddArgs{Stream: dlq, Values: entry.Values}).Err(); err != nil {
		a.logger.Error(a.ctx, "failed to write dead letter", logging.Error(err), logging.String("dlq", dlq))
	}
	if err := a.client.XAck(a.ctx, stream, group, entry.ID).Err(); err != nil {
		a.logger.Warn(a.ctx, "xack after dead letter failed", logging.Error(err))
	}
}

func (a *Adapter) reclaimStale(stream, group string, handler broker.Handler) {
	claimed, _, err := a.client.XAutoClaim(a.ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: a.cfg.ConsumerName,
		MinIdle:  a.cfg.ClaimMinIdle,
		Start:    "0",
		Count:    a.cfg.ReadCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		a.logger.Warn(a.ctx, "xautoclaim failed", logging.String("stream", stream), logging.Error(err))
		return
	}
	for _, entry := range claimed {
		a.handleEntry(stream, group, entry, handler)
	}
}

func (a *Adapter) ensureGroup(stream, group string) error {
	err := a.client.XGroupCreateMkStream(a.ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (a *Adapter) streamName(topic string) string {
	return a.cfg.StreamPrefix + topic
}

func regKey(topic, subscriptionName string) string {
	return fmt.Sprintf("%s|%s", topic, subscriptionName)
}

func withPublishRetry(ctx context.Context, topic string, op func(ctx context.Context) error) error {
	cfg := broker.PublishRetryConfig()
	attempts := 0
	err := retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return op(ctx)
	}, cfg)
	if err != nil {
		return &broker.UnavailableError{Topic: topic, Attempts: attempts, Cause: err}
	}
	return nil
}
