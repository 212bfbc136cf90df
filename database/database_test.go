package database

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sockaudit/sockaudit/eventlog"
	"github.com/sockaudit/sockaudit/types"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testIdentity(pid uint32) types.Identity {
	var id types.Identity
	id.PID = pid
	id.UID = 1000
	id.GID = 1000
	id.SetComm("curl")
	id.UnixNano = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC).UnixNano()
	return id
}

func netRecord(seq uint64, pid uint32, action types.Action, dstPort uint16) types.Record {
	ev := &types.NetworkEvent{
		Family:  types.FamilyInet,
		Proto:   types.ProtoTCP,
		Action:  action,
		SrcPort: 44000,
		DstPort: dstPort,
		Path:    "/usr/bin/curl",
	}
	ev.SetSrc(net.ParseIP("10.0.0.1"))
	ev.SetDst(net.ParseIP("93.184.216.34"))

	return types.Record{Seq: seq, Kind: types.KindNetwork, Identity: testIdentity(pid), Net: ev}
}

func execRecord(seq uint64, pid uint32, path string) types.Record {
	return types.Record{
		Seq:      seq,
		Kind:     types.KindExec,
		Identity: testIdentity(pid),
		Exec:     &types.ExecEvent{Path: path, Argv: []byte("curl\x00-s\x00")},
	}
}

func TestInsertAndQueryNetworkEvents(t *testing.T) {
	db := newTestDB(t)

	r1 := netRecord(0, 100, types.ActionConnect, 443)
	r2 := netRecord(1, 100, types.ActionClose, 443)
	r3 := netRecord(2, 200, types.ActionConnect, 8443)
	for _, r := range []types.Record{r1, r2, r3} {
		r := r
		require.NoError(t, db.InsertNetworkEvent(&r))
	}

	events, err := db.GetNetworkEvents(10, 0, nil)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(0), events[2].Seq)

	got := events[2]
	assert.Equal(t, uint32(100), got.PID)
	assert.Equal(t, "curl", got.Comm)
	assert.Equal(t, "/usr/bin/curl", got.ExePath)
	assert.Equal(t, "INET", got.Family)
	assert.Equal(t, "TCP", got.Protocol)
	assert.Equal(t, "CONNECT", got.Action)
	assert.Equal(t, "10.0.0.1", got.SrcAddr)
	assert.Equal(t, uint16(44000), got.SrcPort)
	assert.Equal(t, "93.184.216.34", got.DstAddr)
	assert.Equal(t, uint16(443), got.DstPort)
	assert.True(t, got.Timestamp.Equal(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)))

	t.Run("filter by action", func(t *testing.T) {
		events, err := db.GetNetworkEvents(10, 0, map[string]string{"action": "CONNECT"})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("filter by pid", func(t *testing.T) {
		events, err := db.GetNetworkEvents(10, 0, map[string]string{"pid": "200"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint16(8443), events[0].DstPort)
	})

	t.Run("pagination", func(t *testing.T) {
		events, err := db.GetNetworkEvents(1, 1, nil)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(1), events[0].Seq)
	})
}

func TestInsertAndQueryExecEvents(t *testing.T) {
	db := newTestDB(t)

	rec := execRecord(7, 300, "/usr/bin/curl")
	require.NoError(t, db.InsertExecEvent(&rec))

	events, err := db.GetExecEvents(10, 0, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, uint32(300), got.PID)
	assert.Equal(t, "/usr/bin/curl", got.ExePath)
	assert.Equal(t, "curl -s", got.Argv)

	t.Run("filter by path", func(t *testing.T) {
		events, err := db.GetExecEvents(10, 0, map[string]string{"path": "/usr/bin/curl"})
		require.NoError(t, err)
		assert.Len(t, events, 1)

		events, err = db.GetExecEvents(10, 0, map[string]string{"path": "/bin/other"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestInsertRejectsWrongKind(t *testing.T) {
	db := newTestDB(t)

	exec := execRecord(0, 1, "/bin/true")
	assert.Error(t, db.InsertNetworkEvent(&exec))

	netw := netRecord(0, 1, types.ActionConnect, 80)
	assert.Error(t, db.InsertExecEvent(&netw))
}

func TestGetCounts(t *testing.T) {
	db := newTestDB(t)

	r1 := netRecord(0, 1, types.ActionConnect, 80)
	r2 := execRecord(1, 1, "/bin/true")
	require.NoError(t, db.InsertNetworkEvent(&r1))
	require.NoError(t, db.InsertExecEvent(&r2))

	counts, err := db.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.NetworkEvents)
	assert.Equal(t, int64(1), counts.ExecEvents)
	assert.Zero(t, counts.SigmaMatches)
}

func TestArchiverDrainsSession(t *testing.T) {
	db := newTestDB(t)
	logger := zaptest.NewLogger(t)

	buf := eventlog.NewBuffer(eventlog.Config{Capacity: 1 << 16}, logger)
	defer buf.Close()
	rec := eventlog.NewRecorder(buf, nil, logger)

	r1 := netRecord(0, 100, types.ActionConnect, 443)
	rec.EmitNetwork(r1.Identity, *r1.Net)
	r2 := netRecord(0, 100, types.ActionClose, 443)
	rec.EmitNetwork(r2.Identity, *r2.Net)
	rec.EmitExec(testIdentity(300), "/usr/bin/curl", []byte("curl\x00-s\x00"))

	sess := buf.OpenSession()
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewArchiver(db, sess, logger).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		counts, err := db.GetCounts()
		return err == nil && counts.NetworkEvents == 2 && counts.ExecEvents == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("archiver did not stop on cancellation")
	}
}
