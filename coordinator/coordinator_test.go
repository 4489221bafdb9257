package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"partnersaga/audit"
	auditmem "partnersaga/audit/memory"
	"partnersaga/broker"
	"partnersaga/envelope"
	"partnersaga/metrics"
	"partnersaga/sagalog"
	"partnersaga/sagastore"
	sagastoremem "partnersaga/sagastore/memory"

	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal broker.IAdapter test double: Publish records
// every envelope instead of talking to a real transport, and Subscribe
// just remembers the handler in case a test wants to drive delivery
// through it rather than calling dispatch directly.
type fakeAdapter struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]broker.Handler

	failNextPublish bool
}

type published struct {
	topic string
	env   *envelope.Envelope
}

var errPublishFailed = errors.New("fake adapter: publish failed")

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handlers: make(map[string]broker.Handler)}
}

func (a *fakeAdapter) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNextPublish {
		a.failNextPublish = false
		return errPublishFailed
	}
	a.published = append(a.published, published{topic: topic, env: env})
	return nil
}

func (a *fakeAdapter) Subscribe(ctx context.Context, topic, subscriptionName string, handler broker.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[topic] = handler
	return nil
}

func (a *fakeAdapter) Start(ctx context.Context) error { return nil }
func (a *fakeAdapter) Close(ctx context.Context) error { return nil }

func (a *fakeAdapter) eventTypes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.published))
	for i, p := range a.published {
		out[i] = p.env.EventType
	}
	return out
}

func (a *fakeAdapter) last() *envelope.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.published) == 0 {
		return nil
	}
	return a.published[len(a.published)-1].env
}

var _ broker.IAdapter = (*fakeAdapter)(nil)

// testHarness wires a Coordinator against in-memory stores so tests can
// exercise dispatch/Start/Compensate without any real broker or database.
type testHarness struct {
	t       *testing.T
	c       *Coordinator
	store   sagastore.ISagaStore
	trail   audit.ITrail
	adapter *fakeAdapter
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := sagastoremem.New(4)
	trail := auditmem.New(4)
	saglog, err := sagalog.New(sagalog.Config{})
	require.NoError(t, err)
	agg := metrics.New()
	adapter := newFakeAdapter()

	c, err := New(Config{Workers: 4, TickInterval: 5 * time.Millisecond, WheelSlots: 64}, store, trail, saglog, agg, adapter, map[string]*SagaTypeDef{
		PartnerOnboardingType: PartnerOnboardingDef(),
	})
	require.NoError(t, err)
	c.wheel.Start()
	t.Cleanup(c.wheel.Stop)

	return &testHarness{t: t, c: c, store: store, trail: trail, adapter: adapter}
}

// event builds a success/failure/trigger envelope addressed at sagaID.
func event(sagaID, eventType string) *envelope.Envelope {
	return envelope.New(eventType, sagaID, sagaID, "", "test", nil)
}

// startWorkers spawns the dispatch worker goroutines without going through
// Start (which would also try to talk to the broker adapter's Subscribe).
func (h *testHarness) startWorkers() {
	h.t.Helper()
	for _, ch := range h.c.workers {
		h.c.wg.Add(1)
		go h.c.runWorker(ch)
	}
	h.t.Cleanup(func() {
		for _, ch := range h.c.workers {
			close(ch)
		}
		h.c.wg.Wait()
	})
}
