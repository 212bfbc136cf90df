package database

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/eventlog"
	"github.com/sockaudit/sockaudit/types"
)

// Archiver drains a log session into the database so events survive
// buffer eviction.
type Archiver struct {
	db   *DB
	sess *eventlog.Session
	log  *zap.Logger

	ctrArchived metric.Int64Counter
	ctrLost     metric.Int64Counter
}

func NewArchiver(db *DB, sess *eventlog.Session, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{db: db, sess: sess, log: logger}

	meter := otel.Meter("sockaudit.database")
	var err error
	if a.ctrArchived, err = meter.Int64Counter("archiver_records_total"); err != nil {
		logger.Warn("failed to create archived counter", zap.Error(err))
	}
	if a.ctrLost, err = meter.Int64Counter("archiver_overflows_total"); err != nil {
		logger.Warn("failed to create overflow counter", zap.Error(err))
	}
	return a
}

// Run reads records until ctx is cancelled or the session ends. An
// overflow means the archiver fell behind and the evicted records are
// gone for good; it resumes from the oldest retained record.
func (a *Archiver) Run(ctx context.Context) {
	for {
		rec, err := a.sess.ReadRecord(ctx)
		switch {
		case err == nil:
		case errors.Is(err, eventlog.ErrOverflow):
			a.log.Warn("archiver fell behind, evicted records were lost")
			a.count(a.ctrLost)
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, eventlog.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			a.log.Error("failed to read record", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		a.store(&rec)
	}
}

func (a *Archiver) store(rec *types.Record) {
	var err error
	switch rec.Kind {
	case types.KindNetwork:
		err = a.db.InsertNetworkEvent(rec)
	case types.KindExec:
		err = a.db.InsertExecEvent(rec)
	default:
		return
	}
	if err != nil {
		a.log.Error("failed to archive record",
			zap.Uint64("seq", rec.Seq),
			zap.Error(err))
		return
	}
	a.count(a.ctrArchived)
}

func (a *Archiver) count(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}
