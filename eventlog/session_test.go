package eventlog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sockaudit/sockaudit/types"
)

func TestReadBlocksUntilAppend(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	sess := buf.OpenSession()

	got := make(chan string, 1)
	fail := make(chan error, 1)
	go func() {
		p := make([]byte, DefaultLineMax)
		n, err := sess.Read(context.Background(), p)
		if err != nil {
			fail <- err
			return
		}
		got <- string(p[:n])
	}()

	// Give the reader time to park on the wait channel.
	time.Sleep(50 * time.Millisecond)
	emitNumbered(rec, 0)

	select {
	case line := <-got:
		assert.Contains(t, line, numberedPath(0))
	case err := <-fail:
		t.Fatalf("read failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("append did not wake the reader")
	}
}

func TestReadHonorsContextCancellation(t *testing.T) {
	buf := newTestBuffer(t, 0)
	sess := buf.OpenSession()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sess.Read(ctx, make([]byte, DefaultLineMax))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the reader")
	}
}

func TestDrainedReadModes(t *testing.T) {
	t.Run("non-blocking", func(t *testing.T) {
		buf := newTestBuffer(t, 0)
		sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
		_, err := sess.Read(context.Background(), make([]byte, DefaultLineMax))
		assert.ErrorIs(t, err, ErrWouldBlock)
	})

	t.Run("end of stream", func(t *testing.T) {
		buf := newTestBuffer(t, 0)
		rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
		emitNumbered(rec, 0)

		sess := buf.OpenSessionWith(SessionOptions{SendEOF: true})
		p := make([]byte, DefaultLineMax)
		_, err := sess.Read(context.Background(), p)
		require.NoError(t, err, "existing records are delivered before EOF")
		_, err = sess.Read(context.Background(), p)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("non-blocking wins over end of stream", func(t *testing.T) {
		buf := newTestBuffer(t, 0)
		sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true, SendEOF: true})
		_, err := sess.Read(context.Background(), make([]byte, DefaultLineMax))
		assert.ErrorIs(t, err, ErrWouldBlock)
	})
}

func TestOverflowSignaledOnceThenResumesAtOldest(t *testing.T) {
	buf := newTestBuffer(t, 4096)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true}) // cursor at seq 0
	for i := uint64(0); i < 100; i++ {
		emitNumbered(rec, i)
	}
	st := buf.Stats()
	require.Greater(t, st.OldestSeq, uint64(0))

	p := make([]byte, DefaultLineMax)
	_, err := sess.Read(context.Background(), p)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint64(1), buf.Stats().Overflows)

	// After the signal the cursor sits on the oldest retained record.
	n, err := sess.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, string(p[:n]), numberedPath(st.OldestSeq)+" ")

	n, err = sess.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, string(p[:n]), numberedPath(st.OldestSeq+1)+" ")
}

func TestShortReadBufferSkipsRecord(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	emitNumbered(rec, 0)
	emitNumbered(rec, 1)

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	_, err := sess.Read(context.Background(), make([]byte, 10))
	require.ErrorIs(t, err, ErrShortBuffer)

	// The undeliverable record is consumed; the next read moves on.
	p := make([]byte, DefaultLineMax)
	n, err := sess.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, string(p[:n]), numberedPath(1))
}

func TestSeek(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	for i := uint64(0); i < 3; i++ {
		emitNumbered(rec, i)
	}
	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})

	t.Run("end skips the backlog", func(t *testing.T) {
		pos, err := sess.Seek(0, io.SeekEnd)
		require.NoError(t, err)
		assert.Zero(t, pos)
		ready, _ := sess.Poll()
		assert.False(t, ready)
	})

	t.Run("start rewinds to oldest", func(t *testing.T) {
		_, err := sess.Seek(0, io.SeekStart)
		require.NoError(t, err)
		p := make([]byte, DefaultLineMax)
		n, err := sess.Read(context.Background(), p)
		require.NoError(t, err)
		assert.Contains(t, string(p[:n]), numberedPath(0))
	})

	t.Run("current is a no-op", func(t *testing.T) {
		before, _ := sess.Poll()
		_, err := sess.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		after, _ := sess.Poll()
		assert.Equal(t, before, after)
	})

	t.Run("non-zero offsets are ignored", func(t *testing.T) {
		_, err := sess.Seek(0, io.SeekEnd)
		require.NoError(t, err)
		pos, err := sess.Seek(512, io.SeekStart)
		require.NoError(t, err)
		assert.Zero(t, pos)
		ready, _ := sess.Poll()
		assert.False(t, ready, "ignored seek must not move the cursor")
	})

	t.Run("bad whence", func(t *testing.T) {
		_, err := sess.Seek(0, 42)
		assert.Error(t, err)
	})
}

func TestPollStates(t *testing.T) {
	buf := newTestBuffer(t, 4096)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	sess := buf.OpenSession()

	ready, lost := sess.Poll()
	assert.False(t, ready)
	assert.False(t, lost)

	emitNumbered(rec, 0)
	ready, lost = sess.Poll()
	assert.True(t, ready)
	assert.False(t, lost)

	// Flood until eviction passes the parked cursor.
	for i := uint64(1); i < 100; i++ {
		emitNumbered(rec, i)
	}
	require.Greater(t, buf.Stats().OldestSeq, uint64(0))
	ready, lost = sess.Poll()
	assert.True(t, ready)
	assert.True(t, lost)
}

func TestReadRecordStructured(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))

	ev := testNetworkEvent()
	rec.EmitNetwork(testIdentity(), ev)
	rec.EmitExec(testIdentity(), "/bin/ls", []byte("ls\x00-la"))

	sess := buf.OpenSession()
	ctx := context.Background()

	r1, err := sess.ReadRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r1.Seq)
	assert.Equal(t, types.KindNetwork, r1.Kind)
	require.NotNil(t, r1.Net)
	assert.Equal(t, ev.Path, r1.Net.Path)
	assert.Equal(t, uint32(4242), r1.Identity.PID)

	r2, err := sess.ReadRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r2.Seq)
	assert.Equal(t, types.KindExec, r2.Kind)
	require.NotNil(t, r2.Exec)
	assert.Equal(t, "/bin/ls", r2.Exec.Path)
	assert.Equal(t, "ls -la", r2.Exec.ArgvString())
}

func TestReadRecordSkipsDamagedRecords(t *testing.T) {
	buf := newTestBuffer(t, 0)

	bad := encodeExecRecord(testIdentity(), "/bin/evil", nil)
	le.PutUint32(bad[offKind:], 99)
	buf.appendRecord(bad)

	good := encodeExecRecord(testIdentity(), "/bin/ls", nil)
	buf.appendRecord(good)

	sess := buf.OpenSession()
	r, err := sess.ReadRecord(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.Exec)
	assert.Equal(t, "/bin/ls", r.Exec.Path)
	assert.Equal(t, uint64(1), r.Seq)
}

func TestDamagedRecordRendersAsBrokenLine(t *testing.T) {
	buf := newTestBuffer(t, 0)

	bad := encodeExecRecord(testIdentity(), "/bin/evil", nil)
	le.PutUint32(bad[offKind:], 99)
	buf.appendRecord(bad)

	sess := buf.OpenSessionWith(SessionOptions{NonBlocking: true})
	p := make([]byte, DefaultLineMax)
	n, err := sess.Read(context.Background(), p)
	require.NoError(t, err, "a damaged record must not tear the session down")
	line := string(p[:n])
	assert.Contains(t, line, brokenRecordText)
	assert.Contains(t, line, "pid=4242", "attribution survives")

	// The session keeps working afterwards.
	buf.appendRecord(encodeExecRecord(testIdentity(), "/bin/ls", nil))
	n, err = sess.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, string(p[:n]), "/bin/ls")
}

func TestCloseWakesBlockedReaders(t *testing.T) {
	buf := newTestBuffer(t, 0)
	sess := buf.OpenSession()

	done := make(chan error, 1)
	go func() {
		_, err := sess.Read(context.Background(), make([]byte, DefaultLineMax))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	buf.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake the reader")
	}
}

func TestClosedBufferStillDrains(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	emitNumbered(rec, 0)
	buf.Close()

	sess := buf.OpenSession()
	p := make([]byte, DefaultLineMax)
	n, err := sess.Read(context.Background(), p)
	require.NoError(t, err, "retained records stay readable after close")
	assert.Contains(t, string(p[:n]), numberedPath(0))

	_, err = sess.Read(context.Background(), p)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClosedSessionRejectsReads(t *testing.T) {
	buf := newTestBuffer(t, 0)
	rec := NewRecorder(buf, nil, zaptest.NewLogger(t))
	emitNumbered(rec, 0)

	sess := buf.OpenSession()
	sess.Close()
	_, err := sess.Read(context.Background(), make([]byte, DefaultLineMax))
	assert.ErrorIs(t, err, ErrClosed)
}
