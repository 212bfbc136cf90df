package eventlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockaudit/sockaudit/types"
)

func TestFormatNetworkLineSyslog(t *testing.T) {
	ev := testNetworkEvent()
	rec := types.Record{Kind: types.KindNetwork, Identity: testIdentity(), Net: &ev}

	line := string(formatLine(nil, rec, false, false, DefaultLineMax))
	assert.Equal(t,
		"<109>1 - - net - - - [   12.000345]: pid=4242 uid=1000 gid=1000 comm=curl "+
			"/usr/bin/curl TCP CONNECT INET 10.0.0.1:44000 -> 93.184.216.34:443\n",
		line)
}

func TestFormatNetworkLineSimple(t *testing.T) {
	ev := testNetworkEvent()
	ev.Proto = types.ProtoUDP
	ev.Action = types.ActionBind
	rec := types.Record{Kind: types.KindNetwork, Identity: testIdentity(), Net: &ev}

	line := string(formatLine(nil, rec, false, true, DefaultLineMax))
	assert.Equal(t,
		"net [   12.000345]: pid=4242 uid=1000 gid=1000 comm=curl "+
			"/usr/bin/curl UDP BIND INET 10.0.0.1:44000 -> 93.184.216.34:443\n",
		line)
}

func TestFormatExecLine(t *testing.T) {
	rec := types.Record{
		Kind:     types.KindExec,
		Identity: testIdentity(),
		Exec:     &types.ExecEvent{Path: "/bin/ls", Argv: []byte("ls\x00-la\x00/tmp")},
	}

	line := string(formatLine(nil, rec, false, true, DefaultLineMax))
	assert.Equal(t,
		"exec [   12.000345]: pid=4242 uid=1000 gid=1000 comm=curl /bin/ls ls -la /tmp\n",
		line)
}

func TestFormatBrokenRecord(t *testing.T) {
	rec := types.Record{Kind: types.Kind(99), Identity: testIdentity()}

	line := string(formatLine(nil, rec, true, true, DefaultLineMax))
	assert.Equal(t,
		"unknown [   12.000345]: pid=4242 uid=1000 gid=1000 comm=curl BROKEN RECORD\n",
		line)
}

func TestFormatTruncatesOversizedLines(t *testing.T) {
	ev := testNetworkEvent()
	ev.Path = "/opt/" + strings.Repeat("x", 500)
	rec := types.Record{Kind: types.KindNetwork, Identity: testIdentity(), Net: &ev}

	const max = minLineMax
	line := formatLine(nil, rec, false, false, max)
	require.Len(t, line, max)
	assert.True(t, strings.HasSuffix(string(line), truncText+"\n"),
		"cut lines end with the truncation marker, got %q", string(line))
}

func TestFormatReusesScratchBuffer(t *testing.T) {
	ev := testNetworkEvent()
	rec := types.Record{Kind: types.KindNetwork, Identity: testIdentity(), Net: &ev}

	scratch := make([]byte, 0, DefaultLineMax)
	first := string(formatLine(scratch, rec, false, true, DefaultLineMax))
	second := string(formatLine(scratch, rec, false, true, DefaultLineMax))
	assert.Equal(t, first, second)
}
