package types

import (
	"net"
	"strings"
)

// Kind discriminates record payloads in the log buffer.
type Kind uint32

// Record kind constants
const (
	KindNetwork Kind = 1 // socket activity
	KindExec    Kind = 2 // program execution
)

// String returns the tag used in rendered log lines.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "net"
	case KindExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Action identifies the socket operation that produced a network record.
type Action uint8

const (
	ActionConnect Action = 1
	ActionBind    Action = 2
	ActionAccept  Action = 3
	ActionClose   Action = 4
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "CONNECT"
	case ActionBind:
		return "BIND"
	case ActionAccept:
		return "ACCEPT"
	case ActionClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Proto is the transport protocol, using IPPROTO numbering.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// Family is the socket address family, using AF_* numbering.
type Family uint16

const (
	FamilyInet  Family = 2
	FamilyInet6 Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "INET"
	case FamilyInet6:
		return "INET6"
	default:
		return "UNKNOWN"
	}
}

// Identity describes the execution unit a record is attributed to. It is
// stamped by the producer at emit time and stored in every record header.
type Identity struct {
	PID      uint32
	UID      uint32
	GID      uint32
	Comm     [16]byte
	UnixNano int64
}

// CommString returns the command name with trailing NULs removed.
func (id Identity) CommString() string {
	return strings.TrimRight(string(id.Comm[:]), "\x00")
}

// SetComm copies s into the fixed comm slot, truncating if needed.
func (id *Identity) SetComm(s string) {
	id.Comm = [16]byte{}
	copy(id.Comm[:], s)
}

// NetworkEvent is the payload of a KindNetwork record. Src and Dst hold
// 4 significant bytes for INET and 16 for INET6.
type NetworkEvent struct {
	Family  Family
	Proto   Proto
	Action  Action
	SrcPort uint16
	DstPort uint16
	Src     [16]byte
	Dst     [16]byte
	Path    string
}

func (e *NetworkEvent) SrcIP() net.IP { return ipForFamily(e.Family, e.Src) }
func (e *NetworkEvent) DstIP() net.IP { return ipForFamily(e.Family, e.Dst) }

func ipForFamily(f Family, raw [16]byte) net.IP {
	if f == FamilyInet6 {
		ip := make(net.IP, net.IPv6len)
		copy(ip, raw[:])
		return ip
	}
	return net.IPv4(raw[0], raw[1], raw[2], raw[3])
}

// SetSrc and SetDst store an IP into the fixed address slots.
func (e *NetworkEvent) SetSrc(ip net.IP) { e.Src = ipToRaw(e.Family, ip) }
func (e *NetworkEvent) SetDst(ip net.IP) { e.Dst = ipToRaw(e.Family, ip) }

func ipToRaw(f Family, ip net.IP) [16]byte {
	var raw [16]byte
	if ip == nil {
		return raw
	}
	if f == FamilyInet6 {
		copy(raw[:], ip.To16())
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		copy(raw[:4], v4)
	}
	return raw
}

// ExecEvent is the payload of a KindExec record. Argv is the raw
// NUL-separated argument block as captured.
type ExecEvent struct {
	Path string
	Argv []byte
}

// ArgvString renders the argument block with single spaces, the way
// command lines are shown in log output.
func (e *ExecEvent) ArgvString() string {
	parts := strings.Split(strings.TrimRight(string(e.Argv), "\x00"), "\x00")
	return strings.Join(parts, " ")
}

// Record is the decoded view of one stored record.
type Record struct {
	Seq      uint64
	Kind     Kind
	Identity Identity
	Net      *NetworkEvent
	Exec     *ExecEvent
}

// SocketInfo is the post-completion state of an intercepted socket, as
// resolved by the instrumentation layer.
type SocketInfo struct {
	Proto   Proto
	Family  Family
	Src     net.IP
	SrcPort uint16
	Dst     net.IP
	DstPort uint16
}
