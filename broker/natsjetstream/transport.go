// Package natsjetstream implements broker.IAdapter on top of NATS
// JetStream: durable, shared (queue) subscriptions per topic give
// at-least-once, competing-consumer delivery; ManualAck lets the
// coordinator map its Ack/Nack/DeadLetter disposition onto JetStream's
// Ack/Nak/Term primitives.
package natsjetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"partnersaga/broker"
	"partnersaga/envelope"
	"partnersaga/logging"
)

// Config configures the JetStream adapter.
type Config struct {
	URL               string
	Stream            string
	SubjectPrefix     string
	AckWait           time.Duration
	MaxAckPending     int
	MaxInFlightPublish int
	Logger            logging.ILogger
	Conn              *nats.Conn

	Retention         string // workqueue|limits|interest (default workqueue)
	MaxBytes          int64
	Replicas          int
	MaxMsgsPerSubject int64
}

type subscription struct {
	topic            string
	subscriptionName string
	handler          broker.Handler
}

// Adapter implements broker.IAdapter over a JetStream stream.
type Adapter struct {
	cfg      Config
	logger   logging.ILogger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool
	inflight *inflightLimiter

	mu      sync.RWMutex
	running bool
	subs    map[string]*subscription
	active  map[string]*nats.Subscription
}

// NewAdapter builds a JetStream adapter with the given config, applying
// defaults for anything left zero.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Stream == "" {
		cfg.Stream = "PARTNERSAGA"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "saga."
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "broker.nats"))
	}
	return &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger,
		inflight: newInflightLimiter(cfg.MaxInFlightPublish),
		subs:     make(map[string]*subscription),
		active:   make(map[string]*nats.Subscription),
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("nats adapter already running")
	}
	if err := a.ensureConnection(); err != nil {
		return err
	}
	if err := a.ensureStream(); err != nil {
		return err
	}
	for key := range a.subs {
		if err := a.subscribeLocked(key); err != nil {
			return err
		}
	}
	a.running = true
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	for key, sub := range a.active {
		_ = sub.Drain()
		delete(a.active, key)
	}
	if a.ownsConn && a.conn != nil {
		a.conn.Close()
	}
	a.conn = nil
	a.js = nil
	return nil
}

func (a *Adapter) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if err := a.inflight.acquire(ctx); err != nil {
		return err
	}
	defer a.inflight.release()

	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	subject := a.subjectName(topic)

	return withPublishRetry(ctx, topic, func(ctx context.Context) error {
		a.mu.RLock()
		js, running := a.js, a.running
		a.mu.RUnlock()
		if !running || js == nil {
			return errors.New("nats adapter not running")
		}
		_, err := js.Publish(subject, data, nats.Context(ctx))
		return err
	})
}

func (a *Adapter) Subscribe(ctx context.Context, topic, subscriptionName string, handler broker.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := subKey(topic, subscriptionName)
	a.subs[key] = &subscription{topic: topic, subscriptionName: subscriptionName, handler: handler}
	if a.running {
		return a.subscribeLocked(key)
	}
	return nil
}

func (a *Adapter) ensureConnection() error {
	if a.conn != nil && a.js != nil {
		return nil
	}
	if a.cfg.Conn != nil {
		a.conn = a.cfg.Conn
	} else {
		url := a.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.ReconnectHandler(func(c *nats.Conn) {
			a.logger.Warn(context.Background(), "nats reconnected", logging.String("url", c.ConnectedUrl()))
		}), nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			a.logger.Warn(context.Background(), "nats disconnected", logging.Error(err))
		}))
		if err != nil {
			return err
		}
		a.conn = conn
		a.ownsConn = true
	}
	js, err := a.conn.JetStream()
	if err != nil {
		return err
	}
	a.js = js
	return nil
}

func (a *Adapter) ensureStream() error {
	_, err := a.js.StreamInfo(a.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.WorkQueuePolicy
	switch strings.ToLower(a.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:              a.cfg.Stream,
		Subjects:          []string{a.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if a.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = a.cfg.MaxMsgsPerSubject
	}
	if a.cfg.MaxBytes > 0 {
		sc.MaxBytes = a.cfg.MaxBytes
	}
	if a.cfg.Replicas > 0 {
		sc.Replicas = a.cfg.Replicas
	}
	_, err = a.js.AddStream(sc)
	return err
}

func (a *Adapter) subscribeLocked(key string) error {
	if _, exists := a.active[key]; exists {
		return nil
	}
	sub := a.subs[key]
	subject := a.subjectName(sub.topic)
	durable := durableName(sub.subscriptionName, sub.topic)

	natsSub, err := a.js.QueueSubscribe(subject, durable, a.msgHandler(sub),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(a.cfg.AckWait),
		nats.MaxAckPending(a.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	a.active[key] = natsSub
	return nil
}

func (a *Adapter) msgHandler(sub *subscription) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			a.logger.Error(ctx, "failed to decode envelope, dead-lettering", logging.Error(err),
				logging.String("topic", sub.topic))
			_ = msg.Term()
			return
		}

		switch sub.handler(ctx, env) {
		case broker.Ack:
			if err := msg.Ack(); err != nil {
				a.logger.Warn(ctx, "nats ack failed", logging.Error(err))
			}
		case broker.Nack:
			if err := msg.Nak(); err != nil {
				a.logger.Warn(ctx, "nats nak failed", logging.Error(err))
			}
		case broker.DeadLetter:
			if err := msg.Term(); err != nil {
				a.logger.Warn(ctx, "nats term failed", logging.Error(err))
			}
		}
	}
}

func (a *Adapter) subjectName(topic string) string {
	return a.cfg.SubjectPrefix + topic
}

func durableName(subscriptionName, topic string) string {
	return fmt.Sprintf("%s-%s", subscriptionName, topic)
}

func subKey(topic, subscriptionName string) string {
	return topic + "|" + subscriptionName
}
