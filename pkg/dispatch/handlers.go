package dispatch

import "github.com/coriolisfs/nfsdispatch/internal/rpcwire"

// ProtocolTag identifies one of the RPC programs the core knows how to
// route, per the function-table design note in spec §9.
type ProtocolTag int

const (
	ProtocolNFS ProtocolTag = iota
	ProtocolMount
	ProtocolNLM
	ProtocolRQuota
)

// Capability is the function descriptor table entry bound to a
// (program, versions) pair: on_rendezvous runs when a rendezvous transport
// accepts a new connection, on_process is the request handler workers
// invoke, program_id/versions/tags are used for classification and
// portmap registration.
type Capability struct {
	Tag          ProtocolTag
	ProgramID    uint32
	Versions     []uint32
	OnRendezvous func(x *Xprt)
	OnProcess    HandlerFunc
}

func (c Capability) supportsVersion(v uint32) bool {
	for _, sv := range c.Versions {
		if sv == v {
			return true
		}
	}
	return false
}

// HandlerRegistry maps (program, version) to the capability that serves
// it. Protocol semantics stay external; this only routes.
type HandlerRegistry struct {
	byProgram map[uint32]Capability
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byProgram: make(map[uint32]Capability)}
}

// Register installs cap for its ProgramID.
func (r *HandlerRegistry) Register(cap Capability) {
	r.byProgram[cap.ProgramID] = cap
}

// Resolve returns the HandlerFunc for a decoded call header, or nil (with
// ok=false) if no capability serves that (program, version).
func (r *HandlerRegistry) Resolve(call *rpcwire.CallHeader) (HandlerFunc, bool) {
	cap, ok := r.byProgram[call.Program]
	if !ok || !cap.supportsVersion(call.Version) {
		return nil, false
	}
	return cap.OnProcess, true
}

// Capabilities returns every registered capability, for portmap
// registration during startup.
func (r *HandlerRegistry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.byProgram))
	for _, c := range r.byProgram {
		caps = append(caps, c)
	}
	return caps
}
