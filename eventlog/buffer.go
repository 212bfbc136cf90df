package eventlog

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrWouldBlock is returned by non-blocking sessions when no record is
	// ready.
	ErrWouldBlock = errors.New("eventlog: no record ready")
	// ErrOverflow is returned once when a session's cursor has been evicted
	// from under it; the cursor is reset to the oldest retained record.
	ErrOverflow = errors.New("eventlog: reader overflowed, cursor reset to oldest")
	// ErrShortBuffer is returned when the rendered line does not fit the
	// caller's buffer. No partial copy is made.
	ErrShortBuffer = errors.New("eventlog: line exceeds read buffer")
	// ErrClosed is returned for reads that would block on a closed buffer
	// and for any use of a closed session.
	ErrClosed = errors.New("eventlog: closed")
)

// SessionOptions are fixed when a session is opened. Defaults come from the
// buffer configuration.
type SessionOptions struct {
	SimpleFormat bool // short line prefix instead of the syslog one
	SendEOF      bool // drained reads return io.EOF instead of blocking
	NonBlocking  bool // drained reads return ErrWouldBlock instead of blocking
}

// Config sizes a Buffer and sets session defaults.
type Config struct {
	Capacity int // arena size in bytes
	LineMax  int // rendered line bound per read
	Sessions SessionOptions
}

const (
	DefaultCapacity = 256 << 10
	DefaultLineMax  = 1 << 10

	minCapacity = 4 << 10
	minLineMax  = 128
)

// Buffer is a fixed-capacity in-memory record log. Producers append encoded
// records; sessions read them back oldest-first. When space runs out the
// oldest records are evicted. One mutex guards the arena, both position
// pairs, and every session cursor.
type Buffer struct {
	mu   sync.Mutex
	data []byte

	firstSeq uint64 // oldest retained record
	firstIdx int
	nextSeq  uint64 // next record to be written
	nextIdx  int

	// wakeCh is closed and replaced on every append. Readers capture it
	// under mu together with the emptiness check, so a wake-up between the
	// check and the wait cannot be lost.
	wakeCh chan struct{}

	closed bool
	opened bool // the first session ever opened starts at the oldest record

	lineMax int
	opts    SessionOptions

	sessions  int
	appended  uint64
	evicted   uint64
	dropped   uint64
	overflows uint64

	log *zap.Logger

	ctrAppended metric.Int64Counter
	ctrEvicted  metric.Int64Counter
	ctrOverflow metric.Int64Counter
}

// Stats is a point-in-time snapshot of buffer state for the admin surface.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Used      int    `json:"used"`
	OldestSeq uint64 `json:"oldest_seq"`
	NextSeq   uint64 `json:"next_seq"`
	Appended  uint64 `json:"appended"`
	Evicted   uint64 `json:"evicted"`
	Dropped   uint64 `json:"dropped"`
	Overflows uint64 `json:"overflows"`
	Sessions  int    `json:"sessions"`
}

// NewBuffer allocates the arena and registers metrics. A nil logger is
// replaced with a no-op one.
func NewBuffer(cfg Config, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Capacity < minCapacity {
		cfg.Capacity = minCapacity
	}
	if cfg.LineMax <= 0 {
		cfg.LineMax = DefaultLineMax
	}
	if cfg.LineMax < minLineMax {
		cfg.LineMax = minLineMax
	}

	b := &Buffer{
		data:    make([]byte, cfg.Capacity),
		wakeCh:  make(chan struct{}),
		lineMax: cfg.LineMax,
		opts:    cfg.Sessions,
		log:     logger,
	}

	meter := otel.Meter("sockaudit.eventlog")
	var err error
	if b.ctrAppended, err = meter.Int64Counter("eventlog_records_appended_total"); err != nil {
		logger.Warn("failed to create append counter", zap.Error(err))
	}
	if b.ctrEvicted, err = meter.Int64Counter("eventlog_records_evicted_total"); err != nil {
		logger.Warn("failed to create evict counter", zap.Error(err))
	}
	if b.ctrOverflow, err = meter.Int64Counter("eventlog_reader_overflows_total"); err != nil {
		logger.Warn("failed to create overflow counter", zap.Error(err))
	}

	logger.Debug("event buffer ready",
		zap.Int("capacity", cfg.Capacity),
		zap.Int("line_max", cfg.LineMax))
	return b
}

// Capacity returns the arena size in bytes.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// appendRecord places one encoded record, evicting the oldest records until
// it fits, and wakes every waiting session. It reports the assigned sequence
// number. A record that cannot ever fit, or an append after Close, is
// dropped.
func (b *Buffer) appendRecord(rec []byte) (uint64, bool) {
	need := len(rec) + headerSize

	b.mu.Lock()
	if b.closed || need >= len(b.data) {
		b.dropped++
		b.mu.Unlock()
		return 0, false
	}

	for b.firstSeq < b.nextSeq {
		var free int
		if b.nextIdx > b.firstIdx {
			free = len(b.data) - b.nextIdx
			if b.firstIdx > free {
				free = b.firstIdx
			}
		} else {
			free = b.firstIdx - b.nextIdx
		}
		if free > need {
			break
		}
		b.evictOldest()
	}

	if b.nextIdx+need >= len(b.data) {
		// Too close to the physical end; the free space found above is at
		// the front. Leave the wraparound marker and place the record at 0.
		le.PutUint32(b.data[b.nextIdx:], 0)
		if b.firstSeq == b.nextSeq {
			b.firstIdx = 0
		}
		b.nextIdx = 0
	}

	copy(b.data[b.nextIdx:], rec)
	seq := b.nextSeq
	b.nextIdx += len(rec)
	b.nextSeq++
	b.appended++

	close(b.wakeCh)
	b.wakeCh = make(chan struct{})
	b.mu.Unlock()

	if b.ctrAppended != nil {
		b.ctrAppended.Add(context.Background(), 1)
	}
	return seq, true
}

// evictOldest drops exactly one record. Caller holds mu and guarantees
// firstSeq < nextSeq. A cursor resting on the wraparound marker is first
// redirected to offset 0 so sequence accounting stays aligned with real
// records.
func (b *Buffer) evictOldest() {
	idx := b.resolveIdx(b.firstIdx)
	b.firstIdx = idx + int(le.Uint32(b.data[idx:]))
	b.firstSeq++
	b.evicted++
	if b.ctrEvicted != nil {
		b.ctrEvicted.Add(context.Background(), 1)
	}
}

// resolveIdx follows the wraparound marker. Caller holds mu and guarantees
// a readable record exists at or after idx.
func (b *Buffer) resolveIdx(idx int) int {
	if le.Uint32(b.data[idx:]) == 0 {
		return 0
	}
	return idx
}

// recordAt returns the resolved offset and the raw bytes of the record at
// idx. Caller holds mu and guarantees firstSeq <= seq-at-idx < nextSeq.
func (b *Buffer) recordAt(idx int) (int, []byte) {
	idx = b.resolveIdx(idx)
	n := int(le.Uint32(b.data[idx:]))
	return idx, b.data[idx : idx+n]
}

// OpenSession creates a reader positioned at the oldest retained record if
// this is the first session ever opened on the buffer, and at the write
// head otherwise. Options are the buffer defaults, fixed for the session's
// lifetime.
func (b *Buffer) OpenSession() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Session{buf: b, opts: b.opts}
	if !b.opened {
		b.opened = true
		s.currSeq = b.firstSeq
		s.currIdx = b.firstIdx
	} else {
		s.currSeq = b.nextSeq
		s.currIdx = b.nextIdx
	}
	b.sessions++
	return s
}

// OpenSessionWith is OpenSession with explicit options, for in-process
// consumers that need a mode other than the configured default.
func (b *Buffer) OpenSessionWith(opts SessionOptions) *Session {
	s := b.OpenSession()
	s.opts = opts
	return s
}

// Stats snapshots the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := 0
	if b.firstSeq < b.nextSeq {
		if b.nextIdx > b.firstIdx {
			used = b.nextIdx - b.firstIdx
		} else {
			used = len(b.data) - b.firstIdx + b.nextIdx
		}
	}
	return Stats{
		Capacity:  len(b.data),
		Used:      used,
		OldestSeq: b.firstSeq,
		NextSeq:   b.nextSeq,
		Appended:  b.appended,
		Evicted:   b.evicted,
		Dropped:   b.dropped,
		Overflows: b.overflows,
		Sessions:  b.sessions,
	}
}

// Close stops the buffer. Records already stored remain readable; reads
// that would block fail with ErrClosed, as do appends.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wakeCh)
}
