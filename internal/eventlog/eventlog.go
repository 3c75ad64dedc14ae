// Package eventlog keeps an audit trail of toggles, resets and switch
// connectivity changes in rqlite
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// Event kinds
const (
	KindToggle      = "toggle"
	KindReset       = "reset"
	KindProvision   = "provision"
	KindDeviceUp    = "device_up"
	KindDeviceDown  = "device_down"
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	defaultMaxQueue = 1024
)

// Event is one audit record
type Event struct {
	ID     string
	Kind   string
	Node   string
	Result string
	Detail string
	At     time.Time
}

// Sink accepts events without blocking the caller
type Sink interface {
	Record(ev Event)
}

// Discard drops every event
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) {}

// writer is the part of *gorqlite.Connection the log needs
type writer interface {
	WriteParameterized(stmts []gorqlite.ParameterizedStatement) ([]gorqlite.WriteResult, error)
	Close()
}

// Log batches events and flushes them to rqlite periodically
type Log struct {
	conn          writer
	flushInterval time.Duration
	maxQueue      int

	mutex   sync.Mutex
	pending []Event

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Open connects to rqlite at dbURI and creates the events table
func Open(dbURI string, flushInterval time.Duration) (*Log, error) {
	log.Info().Str("dbURI", dbURI).Msg("Opening event log with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	if err := initializeSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return newLog(conn, flushInterval), nil
}

func newLog(conn writer, flushInterval time.Duration) *Log {
	return &Log{
		conn:          conn,
		flushInterval: flushInterval,
		maxQueue:      defaultMaxQueue,
		pending:       make([]Event, 0, 64),
	}
}

func initializeSchema(conn *gorqlite.Connection) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		node TEXT NOT NULL,
		result TEXT NOT NULL,
		detail TEXT NOT NULL,
		at TEXT NOT NULL
	);
	`
	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind);`

	if _, err := conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	if _, err := conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Record queues ev; the oldest events are dropped once the queue is full
func (l *Log) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if len(l.pending) >= l.maxQueue {
		log.Warn().Int("maxQueue", l.maxQueue).Msg("Event queue full, dropping oldest event")
		l.pending = l.pending[1:]
	}
	l.pending = append(l.pending, ev)
}

// Start launches the flush loop
func (l *Log) Start(ctx context.Context) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.running {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.wg.Add(1)
	go l.flushLoop(ctx)

	log.Info().Dur("interval", l.flushInterval).Msg("Event log started")
}

// Stop ends the flush loop after a final flush
func (l *Log) Stop() {
	l.mutex.Lock()
	if !l.running {
		l.mutex.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mutex.Unlock()

	cancel()
	l.wg.Wait()
	log.Info().Msg("Event log stopped")
}

// Close stops the log, flushes what is left and closes the connection
func (l *Log) Close() {
	l.Stop()
	if err := l.Flush(); err != nil {
		log.Error().Err(err).Int("pending", l.Pending()).Msg("Dropping unflushed events")
	}
	l.conn.Close()
}

func (l *Log) flushLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to flush events on shutdown")
			}
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to flush events")
			}
		}
	}
}

// Flush writes every pending event; on failure the batch is requeued
func (l *Log) Flush() error {
	l.mutex.Lock()
	batch := l.pending
	l.pending = make([]Event, 0, cap(batch))
	l.mutex.Unlock()

	if len(batch) == 0 {
		return nil
	}

	stmts := make([]gorqlite.ParameterizedStatement, 0, len(batch))
	for _, ev := range batch {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT OR IGNORE INTO events (id, kind, node, result, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
			Arguments: []interface{}{
				ev.ID, ev.Kind, ev.Node, ev.Result, ev.Detail, ev.At.UTC().Format(time.RFC3339Nano),
			},
		})
	}

	if _, err := l.conn.WriteParameterized(stmts); err != nil {
		l.mutex.Lock()
		l.pending = append(batch, l.pending...)
		if over := len(l.pending) - l.maxQueue; over > 0 {
			l.pending = l.pending[over:]
		}
		l.mutex.Unlock()
		return fmt.Errorf("failed to write %d events: %w", len(batch), err)
	}

	log.Debug().Int("events", len(batch)).Msg("Flushed events to rqlite")
	return nil
}

// Pending reports how many events are waiting to be flushed
func (l *Log) Pending() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.pending)
}
