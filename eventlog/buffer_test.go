package eventlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	return NewBuffer(Config{Capacity: capacity}, zaptest.NewLogger(t))
}

// numberedPath gives every emitted record a payload that identifies its
// expected sequence number.
func numberedPath(i uint64) string {
	return fmt.Sprintf("/bin/p%03d", i)
}

func emitNumbered(r *Recorder, i uint64) {
	ev := testNetworkEvent()
	ev.Path = numberedPath(i)
	r.EmitNetwork(testIdentity(), ev)
}

// drainLines reads formatted lines until the session would block.
func drainLines(t *testing.T, s *Session) []string {
	t.Helper()
	var lines []string
	p := make([]byte, DefaultLineMax)
	for {
		n, err := s.Read(context.Background(), p)
		if err == ErrWouldBlock {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, string(p[:n]))
	}
}

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	buf := newTestBuffer(t, 0)
	for i := 0; i < 10; i++ {
		seq, ok := buf.appendRecord(encodeExecRecord(testIdentity(), "/bin/true", nil))
		require.True(t, ok)
		assert.Equal(t, uint64(i), seq)
	}
	st := buf.Stats()
	assert.Equal(t, uint64(10), st.NextSeq)
	assert.Equal(t, uint64(0), st.OldestSeq)
	assert.Equal(t, uint64(10), st.Appended)
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	buf := newTestBuffer(t, 4096)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))

	const n = 100
	for i := uint64(0); i < n; i++ {
		emitNumbered(rec, i)
	}

	st := buf.Stats()
	require.Equal(t, uint64(n), st.NextSeq)
	require.Greater(t, st.OldestSeq, uint64(0), "eviction must have happened")
	require.Equal(t, st.Evicted, st.OldestSeq)

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	lines := drainLines(t, sess)
	require.Len(t, lines, int(st.NextSeq-st.OldestSeq))

	// The survivors are exactly the newest records, still in order.
	for i, line := range lines {
		assert.Contains(t, line, numberedPath(st.OldestSeq+uint64(i))+" ")
	}
}

func TestWraparoundKeepsRecordChainIntact(t *testing.T) {
	buf := newTestBuffer(t, 4096)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))

	// Enough appends to cross the physical end several times.
	const n = 200
	for i := uint64(0); i < n; i++ {
		emitNumbered(rec, i)
	}

	st := buf.Stats()
	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	lines := drainLines(t, sess)
	require.Len(t, lines, int(st.NextSeq-st.OldestSeq))
	for i, line := range lines {
		assert.Contains(t, line, numberedPath(st.OldestSeq+uint64(i))+" ")
	}
}

func TestLargeRecordDrainsBuffer(t *testing.T) {
	buf := newTestBuffer(t, 4096)

	small := encodeExecRecord(testIdentity(), "/bin/true", nil)
	for i := 0; i < 30; i++ {
		_, ok := buf.appendRecord(small)
		require.True(t, ok)
	}

	// One record big enough that every older record must go.
	big := encodeExecRecord(testIdentity(), "/opt/"+strings.Repeat("x", 3000), nil)
	seq, ok := buf.appendRecord(big)
	require.True(t, ok)
	require.Equal(t, uint64(30), seq)

	st := buf.Stats()
	assert.Equal(t, seq, st.OldestSeq, "only the big record survives")
	assert.Equal(t, seq+1, st.NextSeq)

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	lines := drainLines(t, sess)
	require.Len(t, lines, 1)
}

func TestRecordThatCanNeverFitIsDropped(t *testing.T) {
	buf := newTestBuffer(t, 4096)

	huge := encodeExecRecord(testIdentity(), "/opt/"+strings.Repeat("x", 5000), nil)
	_, ok := buf.appendRecord(huge)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), buf.Stats().Dropped)
	assert.Equal(t, uint64(0), buf.Stats().NextSeq)
}

func TestFirstSessionGetsBacklogLaterSessionsTail(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	for i := uint64(0); i < 3; i++ {
		emitNumbered(rec, i)
	}

	first := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	assert.Len(t, drainLines(t, first), 3, "first session must see existing records")

	second := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	assert.Empty(t, drainLines(t, second), "later sessions start at the write head")

	emitNumbered(rec, 3)
	assert.Len(t, drainLines(t, second), 1)
}

func TestConcurrentProducersInterleaveWithoutLoss(t *testing.T) {
	buf := newTestBuffer(t, 1<<20)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))

	const workers = 4
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ev := testNetworkEvent()
				ev.Path = fmt.Sprintf("/bin/w%d-%04d", w, i)
				rec.EmitNetwork(testIdentity(), ev)
			}
		}(w)
	}
	wg.Wait()

	st := buf.Stats()
	require.Equal(t, uint64(workers*perWorker), st.Appended)
	require.Equal(t, uint64(workers*perWorker), st.NextSeq)
	require.Equal(t, uint64(0), st.Evicted, "capacity chosen to retain everything")

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	lines := drainLines(t, sess)
	require.Len(t, lines, workers*perWorker)

	// Every emitted payload arrives exactly once and per-worker order holds.
	seen := make(map[string]int)
	lastIdx := map[string]int{}
	for _, line := range lines {
		start := strings.Index(line, "/bin/w")
		require.GreaterOrEqual(t, start, 0, "line %q", line)
		path := line[start : start+len("/bin/w0-0000")]
		seen[path]++

		worker := path[:len("/bin/w0")]
		idx, err := strconv.Atoi(path[len("/bin/w0-"):])
		require.NoError(t, err)
		if prev, ok := lastIdx[worker]; ok {
			require.Greater(t, idx, prev, "per-producer order must hold")
		}
		lastIdx[worker] = idx
	}
	assert.Len(t, seen, workers*perWorker)
	for path, count := range seen {
		assert.Equal(t, 1, count, "path %s", path)
	}
}

func TestStatsTracksUsage(t *testing.T) {
	buf := newTestBuffer(t, 4096)
	st := buf.Stats()
	assert.Equal(t, 4096, st.Capacity)
	assert.Zero(t, st.Used)

	raw := encodeExecRecord(testIdentity(), "/bin/true", nil)
	buf.appendRecord(raw)
	st = buf.Stats()
	assert.Equal(t, len(raw), st.Used)
	assert.Equal(t, uint64(1), st.Appended)

	sess := buf.OpenSession()
	assert.Equal(t, 1, buf.Stats().Sessions)
	sess.Close()
	assert.Equal(t, 0, buf.Stats().Sessions)
}

func TestAppendAfterCloseIsDropped(t *testing.T) {
	buf := newTestBuffer(t, 0)
	buf.Close()
	_, ok := buf.appendRecord(encodeExecRecord(testIdentity(), "/bin/true", nil))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), buf.Stats().Dropped)
}
