// Package diagnostics keeps a bounded, timestamped record of what the agent's
// orchestrators did, categorized for filtering. Entries are mirrored to the
// standard logger, kept in a ring for the debug surface, fanned out to live
// subscribers and handed to optional sinks such as the telemetry exporter.
package diagnostics

import (
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"linkless/agent/internal/platform/stream"
)

// Category groups entries by the subsystem that produced them.
type Category string

const (
	CategoryScan     Category = "scan"
	CategoryExchange Category = "exchange"
	CategoryState    Category = "state"
	CategoryChain    Category = "chain"
	CategorySession  Category = "session"
	CategoryPower    Category = "power"
	CategoryWatchdog Category = "watchdog"
)

// Level is the entry severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultCapacity is the ring size used when New is given a non-positive size.
const DefaultCapacity = 500

// Entry is one diagnostic record.
type Entry struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Level    Level     `json:"level"`
	Peer     string    `json:"peer,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Message  string    `json:"message"`
}

// Sink receives every entry. Write must not block.
type Sink interface {
	Write(Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry)

func (f SinkFunc) Write(e Entry) { f(e) }

// Log is the diagnostics recorder. A nil *Log discards everything.
type Log struct {
	clock clockwork.Clock
	hub   *stream.Hub[Entry]

	mu      sync.Mutex
	entries []Entry
	max     int
	sinks   []Sink
}

// New returns a Log keeping the last capacity entries.
func New(capacity int, clock clockwork.Clock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{
		clock:   clock,
		hub:     stream.NewHub[Entry](),
		entries: make([]Entry, 0, capacity),
		max:     capacity,
	}
}

// AddSink registers s for all later entries.
func (l *Log) AddSink(s Sink) {
	if l == nil || s == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Add records e, stamping it with the current time when e.Time is zero.
func (l *Log) Add(e Entry) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.clock.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	e.Peer = ShortID(e.Peer)

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	sinks := l.sinks
	l.mu.Unlock()

	if e.Peer != "" {
		log.Printf("diagnostics: [%s] %s peer=%s %s", e.Category, e.Level, e.Peer, e.Message)
	} else {
		log.Printf("diagnostics: [%s] %s %s", e.Category, e.Level, e.Message)
	}
	l.hub.Publish(e)
	for _, s := range sinks {
		s.Write(e)
	}
}

// Info records an informational entry.
func (l *Log) Info(cat Category, peer, msg string) {
	l.Add(Entry{Category: cat, Level: LevelInfo, Peer: peer, Message: msg})
}

// Warn records a warning.
func (l *Log) Warn(cat Category, peer, msg string) {
	l.Add(Entry{Category: cat, Level: LevelWarn, Peer: peer, Message: msg})
}

// Error records an error entry.
func (l *Log) Error(cat Category, peer, msg string) {
	l.Add(Entry{Category: cat, Level: LevelError, Peer: peer, Message: msg})
}

// Phase records an informational entry for one step of a multi-step flow.
func (l *Log) Phase(cat Category, peer, phase, msg string) {
	l.Add(Entry{Category: cat, Level: LevelInfo, Peer: peer, Phase: phase, Message: msg})
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(l.entries) {
		start = len(l.entries) - limit
	}
	return append([]Entry(nil), l.entries[start:]...)
}

// Subscribe returns a live stream of entries. Slow subscribers drop entries.
func (l *Log) Subscribe(id string, buffer int) (<-chan Entry, error) {
	if l == nil {
		return nil, stream.ErrHubClosed
	}
	return l.hub.Subscribe(id, buffer)
}

// Unsubscribe closes the subscriber's channel.
func (l *Log) Unsubscribe(id string) error {
	if l == nil {
		return nil
	}
	return l.hub.Unsubscribe(id)
}

// Close closes every subscription. Later entries are still kept in the ring.
func (l *Log) Close() {
	if l == nil {
		return
	}
	l.hub.Close()
}

// ShortID returns the first 8 characters of id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
