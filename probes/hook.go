package probes

import (
	"github.com/sockaudit/sockaudit/types"
)

// Kernel operations hooked per category.
const (
	SymStreamConnect = "inet_stream_connect"
	SymDgramConnect  = "inet_dgram_connect"
	SymAccept        = "sys_accept4"
	SymBind          = "sys_bind"
	SymClose         = "sys_close"
	SymExecve        = "sys_execve"
)

// SockRef is a handle to an intercepted socket. Info resolves its state as
// of the moment the intercepted operation completed; it reports false when
// the socket can no longer be resolved.
type SockRef interface {
	Info() (types.SocketInfo, bool)
}

// StaticSock is a SockRef whose state is already resolved.
type StaticSock types.SocketInfo

func (s StaticSock) Info() (types.SocketInfo, bool) {
	return types.SocketInfo(s), true
}

// Observation is one delivery from an instrumentation hook. Begin
// observations of socket operations carry the socket handle; end
// observations usually carry only the identity, the handle having been
// parked in the correlation table. Exec observations carry Path and Argv
// instead of a socket.
type Observation struct {
	Identity types.Identity
	Sock     SockRef
	Path     string
	Argv     []byte
}

// Callbacks are the entry and completion handlers planted on one hook.
// Either may be nil. Providers invoke them from their own delivery
// goroutines, one observation at a time per execution unit.
type Callbacks struct {
	OnBegin func(Observation)
	OnEnd   func(Observation)
}

// PlantedHook is a live interception point.
type PlantedHook interface {
	Unplant() error
}

// Provider plants hooks on named kernel operations. Implementations come
// from the platform layer; tests substitute their own.
type Provider interface {
	Plant(symbol string, cb Callbacks) (PlantedHook, error)
}
