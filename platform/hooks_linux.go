//go:build linux

package platform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sockaudit/sockaudit/probes"
	"github.com/sockaudit/sockaudit/types"
)

// Stable ids shared with the BPF programs. Each sample carries the id of
// the symbol it was observed on.
var symbolIDs = map[string]uint32{
	probes.SymStreamConnect: 1,
	probes.SymDgramConnect:  2,
	probes.SymAccept:        3,
	probes.SymBind:          4,
	probes.SymClose:         5,
	probes.SymExecve:        6,
}

// rawEvent is the wire layout of one ring buffer sample. It must match
// struct audit_event in the BPF object.
type rawEvent struct {
	Phase    uint32
	SymbolID uint32
	PID      uint32
	UID      uint32
	GID      uint32
	_        uint32
	TimeNs   uint64
	Cookie   uint64
	Comm     [16]byte
	Path     [256]byte
	Argv     [384]byte
}

// sockState is the value layout of the sock_state map, keyed by socket
// cookie. Ports are stored host order by the BPF programs.
type sockState struct {
	Family  uint16
	Proto   uint8
	_       uint8
	SrcPort uint16
	DstPort uint16
	Src     [16]byte
	Dst     [16]byte
}

// Provider plants kernel probes from a pre-compiled BPF collection and
// delivers their samples to the registered callbacks.
type Provider struct {
	log    *zap.Logger
	coll   *ebpf.Collection
	reader *ringbuf.Reader
	states *ebpf.Map

	// bootEpoch converts CLOCK_BOOTTIME sample timestamps to wall time.
	bootEpoch int64

	mu    sync.Mutex
	hooks map[uint32]*plantedHook

	wg sync.WaitGroup
}

type plantedHook struct {
	provider *Provider
	id       uint32
	symbol   string
	cb       probes.Callbacks
	links    []link.Link
}

// NewProvider loads the BPF collection at cfg.ObjectPath and starts the
// sample delivery loop. Callers must hold CAP_BPF or run as root.
func NewProvider(cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	coll, err := ebpf.LoadCollection(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection %s: %w", cfg.ObjectPath, err)
	}

	events := coll.Maps["events"]
	if events == nil {
		coll.Close()
		return nil, errors.New("BPF collection has no events ring buffer")
	}
	states := coll.Maps["sock_state"]
	if states == nil {
		coll.Close()
		return nil, errors.New("BPF collection has no sock_state map")
	}

	reader, err := ringbuf.NewReader(events)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to open ring buffer reader: %w", err)
	}

	p := &Provider{
		log:       logger,
		coll:      coll,
		reader:    reader,
		states:    states,
		bootEpoch: bootEpoch(),
		hooks:     make(map[uint32]*plantedHook),
	}

	p.wg.Add(1)
	go p.run()

	logger.Info("BPF collection loaded", zap.String("object", cfg.ObjectPath))
	return p, nil
}

// bootEpoch returns the wall clock time of boot in nanoseconds, the base
// for sample timestamps. Zero when the boot clock cannot be read; samples
// then carry raw boot-relative times.
func bootEpoch() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0
	}
	return time.Now().UnixNano() - ts.Nano()
}

// Plant attaches the collection's programs for symbol and routes their
// samples to cb. A kprobe is attached when cb.OnBegin is set and a
// kretprobe when cb.OnEnd is set.
func (p *Provider) Plant(symbol string, cb probes.Callbacks) (probes.PlantedHook, error) {
	id, ok := symbolIDs[symbol]
	if !ok {
		return nil, fmt.Errorf("no instrumentation for symbol %s", symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.hooks[id]; exists {
		return nil, fmt.Errorf("symbol %s is already hooked", symbol)
	}

	var links []link.Link
	closeAll := func() {
		for _, l := range links {
			l.Close()
		}
	}

	if cb.OnBegin != nil {
		prog := p.coll.Programs["kprobe_"+symbol]
		if prog == nil {
			return nil, fmt.Errorf("BPF collection has no entry program for %s", symbol)
		}
		l, err := attachKprobe(symbol, prog, false)
		if err != nil {
			return nil, fmt.Errorf("failed to attach kprobe %s: %w", symbol, err)
		}
		links = append(links, l)
	}
	if cb.OnEnd != nil {
		prog := p.coll.Programs["kretprobe_"+symbol]
		if prog == nil {
			closeAll()
			return nil, fmt.Errorf("BPF collection has no return program for %s", symbol)
		}
		l, err := attachKprobe(symbol, prog, true)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to attach kretprobe %s: %w", symbol, err)
		}
		links = append(links, l)
	}

	h := &plantedHook{provider: p, id: id, symbol: symbol, cb: cb, links: links}
	p.hooks[id] = h
	p.log.Debug("hook planted", zap.String("symbol", symbol))
	return h, nil
}

// attachKprobe attaches prog at symbol, falling back to the arch-prefixed
// syscall stub name used by newer kernels.
func attachKprobe(symbol string, prog *ebpf.Program, ret bool) (link.Link, error) {
	attach := link.Kprobe
	if ret {
		attach = link.Kretprobe
	}
	l, err := attach(symbol, prog, nil)
	if err == nil {
		return l, nil
	}
	if l2, err2 := attach("__x64_"+symbol, prog, nil); err2 == nil {
		return l2, nil
	}
	return nil, err
}

// Unplant detaches the hook's programs. Samples already queued in the
// ring buffer for this symbol are dropped on delivery.
func (h *plantedHook) Unplant() error {
	p := h.provider
	p.mu.Lock()
	if p.hooks[h.id] == h {
		delete(p.hooks, h.id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, l := range h.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.log.Debug("hook unplanted", zap.String("symbol", h.symbol))
	return firstErr
}

// Close stops sample delivery and releases the BPF collection. Hooks
// still planted are detached when the collection closes.
func (p *Provider) Close() error {
	err := p.reader.Close()
	p.wg.Wait()
	p.coll.Close()
	return err
}

func (p *Provider) run() {
	defer p.wg.Done()
	for {
		record, err := p.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			p.log.Warn("ring buffer read failed", zap.Error(err))
			continue
		}
		p.dispatch(record.RawSample)
	}
}

func (p *Provider) dispatch(sample []byte) {
	var ev rawEvent
	if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &ev); err != nil {
		p.log.Warn("malformed sample", zap.Int("len", len(sample)), zap.Error(err))
		return
	}

	p.mu.Lock()
	h := p.hooks[ev.SymbolID]
	p.mu.Unlock()
	if h == nil {
		// Raced an unplant; the sample was queued before the hook went away.
		return
	}

	var id types.Identity
	id.PID = ev.PID
	id.UID = ev.UID
	id.GID = ev.GID
	copy(id.Comm[:], ev.Comm[:])
	id.UnixNano = p.bootEpoch + int64(ev.TimeNs)

	obs := probes.Observation{Identity: id}
	if ev.Cookie != 0 {
		obs.Sock = &mapSockRef{states: p.states, cookie: ev.Cookie}
	}
	if ev.SymbolID == symbolIDs[probes.SymExecve] {
		obs.Path = cString(ev.Path[:])
		obs.Argv = bytes.TrimRight(ev.Argv[:], "\x00")
	}

	switch ev.Phase {
	case phaseEnter:
		if h.cb.OnBegin != nil {
			h.cb.OnBegin(obs)
		}
	case phaseExit:
		if h.cb.OnEnd != nil {
			h.cb.OnEnd(obs)
		}
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// mapSockRef resolves socket state on demand from the sock_state map.
// The lookup fails once the kernel side has discarded the entry, which
// is how callers detect a stale reference.
type mapSockRef struct {
	states *ebpf.Map
	cookie uint64
}

func (r *mapSockRef) Info() (types.SocketInfo, bool) {
	var st sockState
	if err := r.states.Lookup(r.cookie, &st); err != nil {
		return types.SocketInfo{}, false
	}
	info := types.SocketInfo{
		Proto:   types.Proto(st.Proto),
		Family:  types.Family(st.Family),
		SrcPort: st.SrcPort,
		DstPort: st.DstPort,
	}
	if info.Family == types.FamilyInet6 {
		info.Src = append(net.IP(nil), st.Src[:]...)
		info.Dst = append(net.IP(nil), st.Dst[:]...)
	} else {
		info.Src = net.IPv4(st.Src[0], st.Src[1], st.Src[2], st.Src[3])
		info.Dst = net.IPv4(st.Dst[0], st.Dst[1], st.Dst[2], st.Dst[3])
	}
	return info, true
}
