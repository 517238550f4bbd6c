package hwdec

import "sync"

// SupportState is the cached result of probing a hardware feature.
type SupportState uint8

const (
	SupportUnknown SupportState = iota
	Supported
	Unsupported
)

func (s SupportState) String() string {
	switch s {
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// CapabilityRegistry caches hardware capabilities for the whole process and
// counts the sessions sharing the hardware context. Create one and pass it
// to every decoder through Config.Registry.
type CapabilityRegistry struct {
	mu     sync.Mutex
	deint  [deintMethodCount]SupportState
	refs   int
	onIdle func()
}

// NewCapabilityRegistry creates an empty registry. onIdle, if not nil, runs
// when the last session releases the hardware context.
func NewCapabilityRegistry(onIdle func()) *CapabilityRegistry {
	return &CapabilityRegistry{onIdle: onIdle}
}

// DeintSupport returns the cached support state of method.
func (r *CapabilityRegistry) DeintSupport(method DeintMethod) SupportState {
	if method < 0 || method >= deintMethodCount {
		return Unsupported
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deint[method]
}

// SetDeintSupport records the result of probing method.
func (r *CapabilityRegistry) SetDeintSupport(method DeintMethod, s SupportState) {
	if method < 0 || method >= deintMethodCount {
		return
	}
	r.mu.Lock()
	r.deint[method] = s
	r.mu.Unlock()
}

// Retain takes a reference on the shared hardware context.
func (r *CapabilityRegistry) Retain() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs++
	return r.refs
}

// Release drops a reference taken by Retain.
func (r *CapabilityRegistry) Release() int {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		return 0
	}
	r.refs--
	n := r.refs
	idle := r.onIdle
	r.mu.Unlock()

	if n == 0 && idle != nil {
		idle()
	}
	return n
}

// Refs returns the number of sessions holding the hardware context.
func (r *CapabilityRegistry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
