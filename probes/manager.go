package probes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/eventlog"
	"github.com/sockaudit/sockaudit/types"
)

// PathResolver turns an execution unit id into the executable path recorded
// with its events.
type PathResolver interface {
	ExePath(pid uint32) string
}

// CategoryError reports which category a composite request failed on.
type CategoryError struct {
	Category Category
	Err      error
}

func (e *CategoryError) Error() string {
	return fmt.Sprintf("probes: planting %s: %v", e.Category, e.Err)
}

func (e *CategoryError) Unwrap() error { return e.Err }

// Manager owns the set of active categories. It plants hooks through the
// provider, routes their observations through the correlation table, and
// emits finished events through the recorder.
//
// Categories multiplexing onto a shared hook are reference counted: the
// hook is planted when the first of them is requested and unplanted when
// the last is released. Requests and releases are idempotent per category.
type Manager struct {
	provider Provider
	rec      *eventlog.Recorder
	resolver PathResolver
	table    *Table
	log      *zap.Logger

	mu      sync.Mutex
	active  Category
	planted map[string]*plantedRef

	ctrPlanted   metric.Int64Counter
	ctrUnplanted metric.Int64Counter
}

type plantedRef struct {
	hook PlantedHook
	refs int
}

// NewManager wires a manager. table may be nil, in which case a
// default-sized one is created. resolver may be nil; events then fall back
// to the bracketed command name.
func NewManager(provider Provider, rec *eventlog.Recorder, resolver PathResolver, table *Table, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == nil {
		table, _ = NewTable(0, 0)
	}
	m := &Manager{
		provider: provider,
		rec:      rec,
		resolver: resolver,
		table:    table,
		log:      logger,
		planted:  make(map[string]*plantedRef),
	}

	meter := otel.Meter("sockaudit.probes")
	var err error
	if m.ctrPlanted, err = meter.Int64Counter("probes_hooks_planted_total"); err != nil {
		logger.Warn("failed to create planted counter", zap.Error(err))
	}
	if m.ctrUnplanted, err = meter.Int64Counter("probes_hooks_unplanted_total"); err != nil {
		logger.Warn("failed to create unplanted counter", zap.Error(err))
	}
	return m
}

// Request activates every category in mask. Categories already active are
// untouched. If planting fails for any category, every hook planted during
// this call is rolled back, the active set is left exactly as it was, and
// the returned CategoryError names the category that failed.
func (m *Manager) Request(mask Category) error {
	mask &= AllCategories

	m.mu.Lock()
	defer m.mu.Unlock()

	want := mask &^ m.active
	if want == 0 {
		return nil
	}

	var journal []string // symbols referenced by this call, for rollback
	for _, cat := range Split(want) {
		sym, cb := m.hookFor(cat)
		if ref, ok := m.planted[sym]; ok {
			ref.refs++
			journal = append(journal, sym)
			continue
		}
		hook, err := m.provider.Plant(sym, cb)
		if err != nil {
			m.rollbackLocked(journal)
			m.log.Error("planting failed",
				zap.Stringer("category", cat),
				zap.String("symbol", sym),
				zap.Error(err))
			return &CategoryError{Category: cat, Err: err}
		}
		m.planted[sym] = &plantedRef{hook: hook, refs: 1}
		journal = append(journal, sym)
		if m.ctrPlanted != nil {
			m.ctrPlanted.Add(context.Background(), 1)
		}
	}

	m.active |= want
	m.log.Info("probes planted", zap.Stringer("categories", want))
	return nil
}

// rollbackLocked drops the hook references taken by a failed request,
// newest first. Caller holds mu.
func (m *Manager) rollbackLocked(journal []string) {
	for i := len(journal) - 1; i >= 0; i-- {
		sym := journal[i]
		ref := m.planted[sym]
		if ref == nil {
			continue
		}
		ref.refs--
		if ref.refs > 0 {
			continue
		}
		if err := ref.hook.Unplant(); err != nil {
			m.log.Warn("unplant during rollback failed",
				zap.String("symbol", sym), zap.Error(err))
		}
		delete(m.planted, sym)
	}
}

// Release deactivates every category in mask. A shared hook stays planted
// while any remaining active category still needs it. Releasing an
// inactive category is a no-op.
func (m *Manager) Release(mask Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := mask & m.active
	if drop == 0 {
		return
	}

	for _, cat := range Split(drop) {
		sym, _ := m.hookFor(cat)
		ref := m.planted[sym]
		if ref == nil {
			continue
		}
		ref.refs--
		if ref.refs > 0 {
			continue
		}
		if err := ref.hook.Unplant(); err != nil {
			m.log.Warn("unplant failed", zap.String("symbol", sym), zap.Error(err))
		}
		delete(m.planted, sym)
		if m.ctrUnplanted != nil {
			m.ctrUnplanted.Add(context.Background(), 1)
		}
	}

	m.active &^= drop
	m.log.Info("probes released", zap.Stringer("categories", drop))
}

// ReleaseAll deactivates everything.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	mask := m.active
	m.mu.Unlock()
	m.Release(mask)
}

// Status reports whether any category in mask is active.
func (m *Manager) Status(mask Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active&mask != 0
}

// Active returns the active category set.
func (m *Manager) Active() Category {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// hookFor maps a single category to its symbol and handlers.
func (m *Manager) hookFor(cat Category) (string, Callbacks) {
	switch cat {
	case TCPConnect:
		return SymStreamConnect, Callbacks{OnBegin: m.beginSock, OnEnd: m.endConnect(types.ProtoTCP)}
	case UDPConnect:
		return SymDgramConnect, Callbacks{OnBegin: m.beginSock, OnEnd: m.endConnect(types.ProtoUDP)}
	case TCPAccept:
		return SymAccept, Callbacks{OnEnd: m.endAccept}
	case UDPBind:
		return SymBind, Callbacks{OnBegin: m.beginSock, OnEnd: m.endBind}
	case TCPClose, UDPClose:
		return SymClose, Callbacks{OnBegin: m.beginClose}
	case Exec:
		return SymExecve, Callbacks{OnBegin: m.beginExec}
	default:
		return "", Callbacks{}
	}
}

// beginSock parks the socket handle seen at the start of a two-phase
// operation.
func (m *Manager) beginSock(o Observation) {
	if o.Sock == nil {
		return
	}
	m.table.Begin(o.Identity.PID, o.Sock)
}

// endConnect finishes a connect: the socket parked at begin is resolved
// now that the operation completed and carries the established ports.
func (m *Manager) endConnect(proto types.Proto) func(Observation) {
	return func(o Observation) {
		sock, ok := m.table.End(o.Identity.PID)
		if !ok {
			return
		}
		info, ok := sock.Info()
		if !ok || info.Proto != proto {
			return
		}
		m.emitNet(o.Identity, info, types.ActionConnect)
	}
}

// endAccept handles the completion of an accept. There is no begin phase;
// the accepted socket only exists on the way out.
func (m *Manager) endAccept(o Observation) {
	if o.Sock == nil {
		return
	}
	info, ok := o.Sock.Info()
	if !ok || info.Proto != types.ProtoTCP {
		return
	}
	m.emitNet(o.Identity, info, types.ActionAccept)
}

func (m *Manager) endBind(o Observation) {
	sock, ok := m.table.End(o.Identity.PID)
	if !ok {
		return
	}
	info, ok := sock.Info()
	if !ok || info.Proto != types.ProtoUDP {
		return
	}
	m.emitNet(o.Identity, info, types.ActionBind)
}

// beginClose serves both close categories from the one shared hook,
// consulting the active set at delivery time. Connectionless or never
// connected sockets are skipped by the port rules.
func (m *Manager) beginClose(o Observation) {
	if o.Sock == nil {
		return
	}
	info, ok := o.Sock.Info()
	if !ok {
		return
	}
	switch info.Proto {
	case types.ProtoTCP:
		if !m.Status(TCPClose) || info.DstPort == 0 {
			return
		}
	case types.ProtoUDP:
		if !m.Status(UDPClose) || info.SrcPort == 0 {
			return
		}
	default:
		return
	}
	m.emitNet(o.Identity, info, types.ActionClose)
}

func (m *Manager) beginExec(o Observation) {
	path := o.Path
	if path == "" {
		path = m.eventPath(o.Identity)
	}
	m.rec.EmitExec(o.Identity, path, o.Argv)
}

func (m *Manager) emitNet(id types.Identity, info types.SocketInfo, action types.Action) {
	if info.Family != types.FamilyInet && info.Family != types.FamilyInet6 {
		return
	}
	ev := types.NetworkEvent{
		Family:  info.Family,
		Proto:   info.Proto,
		Action:  action,
		SrcPort: info.SrcPort,
		DstPort: info.DstPort,
		Path:    m.eventPath(id),
	}
	ev.SetSrc(info.Src)
	ev.SetDst(info.Dst)
	m.rec.EmitNetwork(id, ev)
}

// eventPath resolves the executable path for an event, falling back to the
// bracketed command name when the process is already gone.
func (m *Manager) eventPath(id types.Identity) string {
	if m.resolver != nil {
		if p := m.resolver.ExePath(id.PID); p != "" {
			return p
		}
	}
	return "[" + id.CommString() + "]"
}
