package console

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Error   Severity = "error"
	WS      Severity = "ws"
)

const (
	DefaultLogLimit      = 50
	DefaultResponseLimit = 10
)

// Entry is one line of the operator log.
type Entry struct {
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
}

// Log is the operator-facing log. Every entry is also written to slog and
// handed to any subscribers, in the order it was added.
type Log struct {
	ring   *Ring[Entry]
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Entry)
}

func NewLog(limit int, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		ring:   NewRing[Entry](limit),
		logger: logger,
		subs:   make(map[int]func(Entry)),
	}
}

func (l *Log) Add(message string, severity Severity) {
	entry := Entry{Time: time.Now(), Message: message, Severity: severity}

	level := slog.LevelInfo
	switch severity {
	case Error:
		level = slog.LevelError
	case WS:
		level = slog.LevelDebug
	}
	l.logger.Log(context.Background(), level, message, "severity", string(severity))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Add(entry)
	for _, fn := range l.subs {
		fn(entry)
	}
}

func (l *Log) Info(message string)    { l.Add(message, Info) }
func (l *Log) Success(message string) { l.Add(message, Success) }
func (l *Log) Error(message string)   { l.Add(message, Error) }
func (l *Log) WS(message string)      { l.Add(message, WS) }

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	return l.ring.Items()
}

// Subscribe registers fn for every future entry. fn runs under the log's
// lock and must not block or call back into the Log.
func (l *Log) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}
