package eventlog

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/types"
)

// Filter decides, before a record is stored, whether an event is covered by
// an allow rule. Allowed returning true means the event is trusted and is
// dropped without being recorded. Exec events are checked with a zero
// family, nil destination, and zero port.
type Filter interface {
	Allowed(path string, family types.Family, dst net.IP, dstPort uint16) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(path string, family types.Family, dst net.IP, dstPort uint16) bool

func (f FilterFunc) Allowed(path string, family types.Family, dst net.IP, dstPort uint16) bool {
	return f(path, family, dst, dstPort)
}

// Recorder is the producer half of the pipeline: it filters, clamps, and
// encodes events into the buffer. Emits never fail; they at most drop.
type Recorder struct {
	buf    *Buffer
	filter Filter
	log    *zap.Logger

	netPathMax  int
	execPathMax int
	execArgvMax int

	ctrFiltered  metric.Int64Counter
	ctrTruncated metric.Int64Counter
}

// NewRecorder wires a recorder to its buffer. filter may be nil, in which
// case every event is recorded. Variable-length fields are clamped to a
// fixed fraction of the buffer capacity so a single record can never crowd
// out the log: network paths to capacity/16, exec paths and argument blocks
// to capacity/32 each.
func NewRecorder(buf *Buffer, filter Filter, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		buf:         buf,
		filter:      filter,
		log:         logger,
		netPathMax:  buf.Capacity() >> 4,
		execPathMax: buf.Capacity() >> 5,
		execArgvMax: buf.Capacity() >> 5,
	}

	meter := otel.Meter("sockaudit.eventlog")
	var err error
	if r.ctrFiltered, err = meter.Int64Counter("eventlog_records_filtered_total"); err != nil {
		logger.Warn("failed to create filtered counter", zap.Error(err))
	}
	if r.ctrTruncated, err = meter.Int64Counter("eventlog_records_truncated_total"); err != nil {
		logger.Warn("failed to create truncated counter", zap.Error(err))
	}
	return r
}

// EmitNetwork records one socket event attributed to id. The event is
// dropped when the filter covers it.
func (r *Recorder) EmitNetwork(id types.Identity, ev types.NetworkEvent) {
	if r.filter != nil && r.filter.Allowed(ev.Path, ev.Family, ev.DstIP(), ev.DstPort) {
		r.countFiltered()
		return
	}
	if id.UnixNano == 0 {
		id.UnixNano = time.Now().UnixNano()
	}
	if len(ev.Path) > r.netPathMax {
		r.log.Warn("truncating path",
			zap.Int("size", len(ev.Path)),
			zap.Int("max", r.netPathMax))
		ev.Path = ev.Path[:r.netPathMax]
		r.countTruncated()
	}
	r.buf.appendRecord(encodeNetworkRecord(id, &ev))
}

// EmitExec records one program execution attributed to id. argv is the raw
// NUL-separated argument block.
func (r *Recorder) EmitExec(id types.Identity, path string, argv []byte) {
	if r.filter != nil && r.filter.Allowed(path, 0, nil, 0) {
		r.countFiltered()
		return
	}
	if id.UnixNano == 0 {
		id.UnixNano = time.Now().UnixNano()
	}
	if len(path) > r.execPathMax {
		r.log.Warn("truncating path",
			zap.Int("size", len(path)),
			zap.Int("max", r.execPathMax))
		path = path[:r.execPathMax]
		r.countTruncated()
	}
	if len(argv) > r.execArgvMax {
		r.log.Warn("truncating argv",
			zap.Int("size", len(argv)),
			zap.Int("max", r.execArgvMax))
		argv = argv[:r.execArgvMax]
		r.countTruncated()
	}
	r.buf.appendRecord(encodeExecRecord(id, path, argv))
}

func (r *Recorder) countFiltered() {
	if r.ctrFiltered != nil {
		r.ctrFiltered.Add(context.Background(), 1)
	}
}

func (r *Recorder) countTruncated() {
	if r.ctrTruncated != nil {
		r.ctrTruncated.Add(context.Background(), 1)
	}
}
