// Package coordinator is the saga engine itself: it owns the per-saga
// state machine, drives steps forward on success events, triggers
// compensation on failure or timeout, and enforces the invariants of
// §3. Dispatch is partitioned by saga_id hash across a fixed worker
// pool (§5) so that one saga's events are always handled by the same
// goroutine, the same partition-by-key idiom the teacher's
// messaging/transport/memory worker pool uses for its queue consumers,
// generalized here from a single shared queue to N hash-routed ones.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"partnersaga/audit"
	"partnersaga/broker"
	"partnersaga/envelope"
	"partnersaga/integration"
	"partnersaga/logging"
	"partnersaga/metrics"
	"partnersaga/sagalog"
	"partnersaga/sagastore"
	"partnersaga/timingwheel"
)

// Config configures a Coordinator.
type Config struct {
	Workers             int               // dispatch worker count, default 8
	IdempotencyWindow    int               // per-process idempotency LRU size, default 1000
	StaleVersionRetries  int               // §4.7 step 6, default 3
	TopicMap             map[string]string // event_type -> topic, default broker.DefaultTopicMap()
	SubscriptionName     string            // shared subscription name, default "saga-coordinator"
	Source               string            // envelope "source" field, default "saga-coordinator"
	TickInterval         time.Duration     // timing wheel resolution, default 1s
	WheelSlots           int               // timing wheel span = TickInterval*WheelSlots, default 3600 (1h)
	OnTerminal           func(ctx context.Context, inst *sagastore.Instance) // optional §9 projection hook
	Translators          map[string]integration.ITranslator // saga_type -> C9 translator, default integration.DefaultTranslator{}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 1000
	}
	if c.StaleVersionRetries <= 0 {
		c.StaleVersionRetries = 3
	}
	if c.TopicMap == nil {
		c.TopicMap = broker.DefaultTopicMap()
	}
	if c.SubscriptionName == "" {
		c.SubscriptionName = "saga-coordinator"
	}
	if c.Source == "" {
		c.Source = "saga-coordinator"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.WheelSlots <= 0 {
		c.WheelSlots = 3600
	}
	if c.Translators == nil {
		c.Translators = make(map[string]integration.ITranslator)
	}
}

// workItem is one envelope routed to a dispatch worker, with a result
// channel so Handle can return the Disposition the broker.Handler
// contract requires.
type workItem struct {
	ctx    context.Context
	env    *envelope.Envelope
	sagaID string
	result chan broker.Disposition

	isTimeout    bool
	armedVersion int64
}

// Coordinator composes the broker adapter, saga log, audit trail,
// metrics aggregator and saga state store (C2-C6) with a timing wheel
// for per-step timeouts, and drives every saga instance's lifecycle
// (C7), exposing the command surface (C8) and integration translation
// (C9) on top.
type Coordinator struct {
	cfg  Config
	defs map[string]*SagaTypeDef

	store   sagastore.ISagaStore
	trail   audit.ITrail
	saglog  *sagalog.Logger
	metrics *metrics.Aggregator
	adapter broker.IAdapter
	wheel   *timingwheel.Wheel
	logger  logging.ILogger

	idempotency *sagastore.Idempotency

	correlationMu     sync.RWMutex
	correlationToSaga map[string]string

	timeoutMu sync.Mutex
	timeouts  map[string]timingwheel.ID // saga_id -> armed timer for its pending step

	workers []chan workItem
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New constructs a Coordinator. sagaDefs maps saga_type to its static
// step table; at least one entry is required (Fatal at startup
// otherwise, per §4.7's malformed-saga-definition clause).
func New(cfg Config, store sagastore.ISagaStore, trail audit.ITrail, saglog *sagalog.Logger, agg *metrics.Aggregator, adapter broker.IAdapter, sagaDefs map[string]*SagaTypeDef) (*Coordinator, error) {
	if len(sagaDefs) == 0 {
		return nil, &SagaError{Kind: KindFatal, Message: "coordinator requires at least one saga type definition"}
	}
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:               cfg,
		defs:              sagaDefs,
		store:             store,
		trail:             trail,
		saglog:            saglog,
		metrics:           agg,
		adapter:           adapter,
		wheel:             timingwheel.New(cfg.TickInterval, cfg.WheelSlots),
		logger:            logging.ComponentLogger("coordinator"),
		idempotency:       sagastore.NewIdempotency(cfg.IdempotencyWindow),
		correlationToSaga: make(map[string]string),
		timeouts:          make(map[string]timingwheel.ID),
		workers:           make([]chan workItem, cfg.Workers),
	}
	for i := range c.workers {
		c.workers[i] = make(chan workItem, 256)
	}
	return c, nil
}

// Start rehydrates non-terminal sagas (§6.4), arms their pending-step
// timeouts, starts the timing wheel and dispatch workers, and subscribes
// to every distinct topic in cfg.TopicMap.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.rehydrate(ctx); err != nil {
		return fmt.Errorf("coordinator: rehydrate: %w", err)
	}

	c.wheel.Start()

	for _, ch := range c.workers {
		c.wg.Add(1)
		go c.runWorker(ch)
	}

	if err := c.adapter.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start broker adapter: %w", err)
	}

	topics := make(map[string]struct{})
	for _, t := range c.cfg.TopicMap {
		topics[t] = struct{}{}
	}
	for topic := range topics {
		if err := c.adapter.Subscribe(ctx, topic, c.cfg.SubscriptionName, c.Handle); err != nil {
			return fmt.Errorf("coordinator: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Close stops accepting new dispatch work, drains workers, and stops the
// timing wheel and broker adapter.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	for _, ch := range c.workers {
		close(ch)
	}
	c.wg.Wait()
	c.wheel.Stop()
	return c.adapter.Close(ctx)
}

// rehydrate re-hydrates every non-terminal saga on startup: the
// correlation_id index is rebuilt and each saga's pending-step timeout
// is re-armed from its persisted deadline (§6.4).
func (c *Coordinator) rehydrate(ctx context.Context) error {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, inst := range active {
		if inst.CorrelationID != "" {
			c.correlationMu.Lock()
			c.correlationToSaga[inst.CorrelationID] = inst.SagaID
			c.correlationMu.Unlock()
		}
		if inst.PendingStep != nil {
			c.armTimeout(inst.SagaID, inst.Version, inst.PendingStep.Deadline)
		}
	}
	return nil
}

// Handle is the broker.Handler entrypoint: it resolves the saga_id (or
// correlation_id) affinity for env, routes it to the worker responsible
// for that saga, and blocks for the worker's Disposition.
func (c *Coordinator) Handle(ctx context.Context, env *envelope.Envelope) broker.Disposition {
	sagaID := c.resolveSagaID(env)
	idx := 0
	if sagaID != "" {
		idx = hashToWorker(sagaID, len(c.workers))
	}

	item := workItem{ctx: ctx, env: env, sagaID: sagaID, result: make(chan broker.Disposition, 1)}
	select {
	case c.workers[idx] <- item:
	case <-ctx.Done():
		return broker.Nack
	}

	select {
	case d := <-item.result:
		return d
	case <-ctx.Done():
		return broker.Nack
	}
}

func (c *Coordinator) runWorker(ch chan workItem) {
	defer c.wg.Done()
	for item := range ch {
		if item.isTimeout {
			c.dispatchTimeout(item.ctx, item.sagaID, item.armedVersion)
			continue
		}
		item.result <- c.dispatch(item.ctx, item.env, item.sagaID)
	}
}

// resolveSagaID implements §4.7 step 2: use the envelope's saga_id if
// present, else look it up by correlation_id.
func (c *Coordinator) resolveSagaID(env *envelope.Envelope) string {
	if env.SagaID != "" {
		return env.SagaID
	}
	c.correlationMu.RLock()
	defer c.correlationMu.RUnlock()
	return c.correlationToSaga[env.CorrelationID]
}

func (c *Coordinator) recordCorrelation(correlationID, sagaID string) {
	if correlationID == "" {
		return
	}
	c.correlationMu.Lock()
	c.correlationToSaga[correlationID] = sagaID
	c.correlationMu.Unlock()
}

func (c *Coordinator) translatorFor(sagaType string) integration.ITranslator {
	if t, ok := c.cfg.Translators[sagaType]; ok {
		return t
	}
	return integration.DefaultTranslator{}
}

func hashToWorker(sagaID string, workerCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	return int(h.Sum32() % uint32(workerCount))
}
