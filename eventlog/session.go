package eventlog

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/types"
)

// Session is one reader's view of the buffer: a private cursor plus the
// options captured at open time. Many sessions can exist; each delivers
// every record exactly once in sequence order, independent of the others.
//
// A session's own mutex allows one in-flight read at a time and is held
// across blocking waits, mirroring a per-open read lock. Seek and Poll
// deliberately bypass it so they stay usable while a read blocks; the
// cursor itself is only touched under the buffer lock.
type Session struct {
	buf  *Buffer
	opts SessionOptions

	mu      sync.Mutex // serializes Read/ReadRecord
	scratch []byte     // render buffer, reused across reads

	// cursor, guarded by buf.mu
	currSeq uint64
	currIdx int
	closed  bool
}

// Read delivers the next record as one formatted, newline-terminated line
// copied into p. With no record ready it blocks until one arrives, the
// context is cancelled, or the buffer is closed; a non-blocking session
// returns ErrWouldBlock instead and an end-of-stream session io.EOF.
//
// If the session has fallen behind eviction, the cursor snaps to the oldest
// retained record and Read returns ErrOverflow once; the next Read delivers
// that record. If the line does not fit in p, Read returns ErrShortBuffer
// and the record is skipped.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.nextLine(ctx)
	if err != nil {
		return 0, err
	}
	if len(line) > len(p) {
		return 0, ErrShortBuffer
	}
	return copy(p, line), nil
}

// ReadRecord is the structured variant of Read for in-process consumers.
// Blocking, overflow, and end-of-stream behavior match Read; records whose
// stored bytes fail validation are skipped.
func (s *Session) ReadRecord(ctx context.Context) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		rec, decErr, err := s.nextRecord(ctx)
		if err != nil {
			return types.Record{}, err
		}
		if decErr != nil {
			s.buf.log.Warn("skipping undecodable record", zap.Error(decErr))
			continue
		}
		return rec, nil
	}
}

// nextLine advances the cursor by one record and renders it. Caller holds
// s.mu.
func (s *Session) nextLine(ctx context.Context) ([]byte, error) {
	rec, decErr, err := s.nextRecord(ctx)
	if err != nil {
		return nil, err
	}
	s.scratch = formatLine(s.scratch[:0], rec, decErr != nil, s.opts.SimpleFormat, s.buf.lineMax)
	return s.scratch, nil
}

// nextRecord implements the wait/overflow/advance cycle shared by both read
// paths. It returns the decoded record and any decode error separately so
// callers can still use the identity of a damaged record. Caller holds s.mu.
func (s *Session) nextRecord(ctx context.Context) (types.Record, error, error) {
	b := s.buf

	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return types.Record{}, nil, ErrClosed
	}

	for s.currSeq == b.nextSeq {
		if s.closed || b.closed {
			b.mu.Unlock()
			return types.Record{}, nil, ErrClosed
		}
		if s.opts.NonBlocking {
			b.mu.Unlock()
			return types.Record{}, nil, ErrWouldBlock
		}
		if s.opts.SendEOF {
			b.mu.Unlock()
			return types.Record{}, nil, io.EOF
		}
		wake := b.wakeCh
		b.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return types.Record{}, nil, ctx.Err()
		}
		b.mu.Lock()
	}

	// Eviction may have passed the cursor while it sat still or waited.
	if s.currSeq < b.firstSeq {
		s.currSeq = b.firstSeq
		s.currIdx = b.firstIdx
		b.overflows++
		b.mu.Unlock()
		if b.ctrOverflow != nil {
			b.ctrOverflow.Add(context.Background(), 1)
		}
		return types.Record{}, nil, ErrOverflow
	}

	idx, raw := b.recordAt(s.currIdx)
	rec, decErr := decodeRecord(s.currSeq, raw)
	s.currIdx = idx + len(raw)
	s.currSeq++
	b.mu.Unlock()

	return rec, decErr, nil
}

// Poll reports whether a read would deliver a record now, and whether the
// session has fallen behind eviction (the next read will report overflow).
func (s *Session) Poll() (ready, lost bool) {
	b := s.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.currSeq < b.nextSeq {
		ready = true
		lost = s.currSeq < b.firstSeq
	}
	return ready, lost
}

// Seek repositions the cursor: io.SeekStart moves to the oldest retained
// record, io.SeekEnd past the newest, io.SeekCurrent leaves it alone.
// Non-zero offsets are accepted and ignored so file-shaped consumers that
// probe with absolute seeks keep working. The returned position is always 0.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 {
		return 0, nil
	}

	b := s.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	switch whence {
	case io.SeekStart:
		s.currSeq = b.firstSeq
		s.currIdx = b.firstIdx
	case io.SeekCurrent:
	case io.SeekEnd:
		s.currSeq = b.nextSeq
		s.currIdx = b.nextIdx
	default:
		return 0, fmt.Errorf("eventlog: bad seek whence %d", whence)
	}
	return 0, nil
}

// Close detaches the session. Subsequent reads fail with ErrClosed.
func (s *Session) Close() {
	b := s.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	b.sessions--
}
