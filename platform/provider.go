package platform

// Config locates the instrumentation artifacts the provider loads at
// startup.
type Config struct {
	// ObjectPath is the compiled BPF object with one program per hooked
	// operation (kprobe_<symbol>, kretprobe_<symbol>) plus the shared
	// "events" ring buffer and "sock_state" map.
	ObjectPath string
}

// Phases of an intercepted operation as encoded by the BPF programs.
const (
	phaseEnter uint32 = 1
	phaseExit  uint32 = 2
)
