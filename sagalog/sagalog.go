// Package sagalog is the diagnostic trail for saga execution: free-text,
// high-volume, operator-facing log entries distinct from the durable
// audit trail in package audit. Append is non-blocking (mirroring the
// teacher's in-memory transport queue idiom): a full buffer drops the
// entry and counts it rather than stalling the dispatch path.
package sagalog

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"partnersaga/logging"
)

// Level is the severity of a log entry.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Kind tags what the entry is about, independent of severity.
type Kind string

const (
	KindDispatch     Kind = "dispatch"
	KindTimeout      Kind = "timeout"
	KindCompensation Kind = "compensation"
	KindTerminal     Kind = "terminal"
	KindRetry        Kind = "retry"
	KindGeneral      Kind = "general"
)

// Entry is one diagnostic log record.
type Entry struct {
	Level     Level
	Kind      Kind
	SagaID    string
	PartnerID string
	Message   string
	Fields    map[string]any
	At        time.Time
}

// Config configures a Logger.
type Config struct {
	MaxInMemory int // ring buffer capacity, default 100000
	BufferSize  int // channel buffer before entries are dropped, default 4096
	FilePath    string
	Logger      logging.ILogger
}

// Logger buffers entries on a channel drained by one background
// goroutine, which keeps the newest MaxInMemory entries in a queryable
// ring buffer and optionally mirrors each entry to a file sink.
type Logger struct {
	cfg     Config
	logger  logging.ILogger
	buf     chan Entry
	ring    *ring
	file    *os.File
	dropped atomic.Int64

	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

// New starts a Logger per cfg. Call Close to drain and release resources.
func New(cfg Config) (*Logger, error) {
	if cfg.MaxInMemory <= 0 {
		cfg.MaxInMemory = 100000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "sagalog"))
	}

	l := &Logger{
		cfg:    cfg,
		logger: cfg.Logger,
		buf:    make(chan Entry, cfg.BufferSize),
		ring:   newRing(cfg.MaxInMemory),
		done:   make(chan struct{}),
	}

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Append enqueues entry for processing. It never blocks: once the
// internal buffer is full the entry is dropped and counted in Dropped.
func (l *Logger) Append(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	select {
	case l.buf <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded due to a full buffer.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Query returns ring-buffered entries matching filter, oldest first.
func (l *Logger) Query(filter Filter) []Entry {
	return l.ring.query(filter)
}

// Close drains the buffer and stops the background goroutine.
func (l *Logger) Close(ctx context.Context) error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.buf)
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for entry := range l.buf {
		l.ring.add(entry)
		if l.file != nil {
			l.writeFile(entry)
		}
	}
}

func (l *Logger) writeFile(entry Entry) {
	line := formatLine(entry)
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		l.logger.Warn(context.Background(), "sagalog file sink write failed", logging.Error(err))
	}
}
