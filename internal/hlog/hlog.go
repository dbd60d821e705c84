// Package hlog wires process-wide structured logging: a logrus logger, an
// in-memory ring buffer of recent formatted lines for the status API's
// /health response, and an optional syslog hook — grounded on the teacher's
// s18log.HttpLog/TermLog fields and its syslog-hook setup in
// server/server.go.
package hlog

import (
	"sync"

	log "github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Line is one ring-buffer entry.
type Line struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// RingBuffer is a fixed-capacity, concurrency-safe circular log of recent
// lines (teacher: s18log.HttpLog).
type RingBuffer struct {
	mu       sync.Mutex
	lines    []Line
	capacity int
	next     int
	full     bool
}

// NewRingBuffer allocates a buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &RingBuffer{lines: make([]Line, capacity), capacity: capacity}
}

func (b *RingBuffer) push(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = l
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns the buffered lines in chronological order.
func (b *RingBuffer) Recent() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Line, b.next)
		copy(out, b.lines[:b.next])
		return out
	}
	out := make([]Line, b.capacity)
	copy(out, b.lines[b.next:])
	copy(out[b.capacity-b.next:], b.lines[:b.next])
	return out
}

// ringHook is a logrus.Hook that appends every fired entry into a RingBuffer.
type ringHook struct {
	buf *RingBuffer
}

func (h *ringHook) Levels() []log.Level { return log.AllLevels }

func (h *ringHook) Fire(e *log.Entry) error {
	msg, err := e.String()
	if err != nil {
		msg = e.Message
	}
	h.buf.push(Line{Level: e.Level.String(), Message: msg, Time: e.Time.Format("2006-01-02T15:04:05Z07:00")})
	return nil
}

// Setup configures the package-level logrus logger: text formatter, the
// requested level, a ring-buffer hook of the given capacity, and an optional
// syslog hook. Returns the ring buffer so C10 can serve it over /health.
func Setup(level string, bufferSize int, syslogEnabled bool) *RingBuffer {
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	buf := NewRingBuffer(bufferSize)
	log.AddHook(&ringHook{buf: buf})

	if syslogEnabled {
		hook, err := lsyslog.NewSyslogHook("", "", 0, "pgsentry")
		if err != nil {
			log.WithError(err).Warn("hlog: could not attach syslog hook, continuing without it")
		} else {
			log.AddHook(hook)
		}
	}
	return buf
}
