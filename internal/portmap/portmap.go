// Package portmap defines the dispatch core's boundary to a portmap/rpcbind
// client. The core only ever needs to (un)register the programs it serves
// at startup and shutdown; it never resolves other services. Per spec this
// collaborator is referenced by interface only — Client's zero-value-safe
// LoggingClient implementation logs the calls a real rpcbind client would
// make, so the Registry & Lifecycle component has something real to invoke
// and integration tests can assert on registration ordering.
package portmap

import "github.com/coriolisfs/nfsdispatch/internal/logger"

// Netconfig identifies one of the four network families the core registers
// programs over.
type Netconfig string

const (
	UDP4 Netconfig = "udp"
	TCP4 Netconfig = "tcp"
	UDP6 Netconfig = "udp6"
	TCP6 Netconfig = "tcp6"
)

// Client registers and unregisters RPC programs with a portmap/rpcbind
// service.
type Client interface {
	Register(prog, vers uint32, netconfig Netconfig, port uint16) error
	Unregister(prog, vers uint32, netconfig Netconfig) error
}

// LoggingClient is the default Client: it performs no network I/O (real
// rpcbind wire semantics are out of scope) but preserves the call sequence
// and errors the Registry component depends on for its startup/shutdown
// contract in spec §4.6.
type LoggingClient struct{}

func (LoggingClient) Register(prog, vers uint32, netconfig Netconfig, port uint16) error {
	logger.Debug("portmap register prog=%d vers=%d netconfig=%s port=%d", prog, vers, netconfig, port)
	return nil
}

func (LoggingClient) Unregister(prog, vers uint32, netconfig Netconfig) error {
	logger.Debug("portmap unregister prog=%d vers=%d netconfig=%s", prog, vers, netconfig)
	return nil
}
