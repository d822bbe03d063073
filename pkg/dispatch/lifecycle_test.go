package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolisfs/nfsdispatch/internal/config"
	"github.com/coriolisfs/nfsdispatch/internal/drc"
	"github.com/coriolisfs/nfsdispatch/internal/gsscache"
	"github.com/coriolisfs/nfsdispatch/internal/portmap"
	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

// fakePortmapClient records every (un)register call instead of talking to a
// real rpcbind service, so a test can assert on the sequence the Registry &
// Lifecycle component drives at startup and shutdown.
type fakePortmapClient struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (f *fakePortmapClient) Register(prog, vers uint32, netconfig portmap.Netconfig, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, entryKey(prog, vers, netconfig))
	return nil
}

func (f *fakePortmapClient) Unregister(prog, vers uint32, netconfig portmap.Netconfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, entryKey(prog, vers, netconfig))
	return nil
}

func entryKey(prog, vers uint32, netconfig portmap.Netconfig) string {
	return fmt.Sprintf("%s:%d:%d", netconfig, prog, vers)
}

func (f *fakePortmapClient) snapshot() (registered, unregistered []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...), append([]string(nil), f.unregistered...)
}

// S7: shutdown unregisters every program this core registered, stops
// accepting new connections, and returns once every worker has exited.
func TestDispatcher_StartStop_Lifecycle(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Core.EnableNFSv3 = true
	cfg.Core.NFSPort = 32049
	cfg.Core.MountPort = 32048
	cfg.Core.MaxIOWorkerThreads = 2

	handlers := NewHandlerRegistry()
	handlers.Register(Capability{ProgramID: rpcwire.ProgramNFS, Versions: []uint32{3}})
	handlers.Register(Capability{ProgramID: rpcwire.ProgramMount, Versions: []uint32{3}})

	pm := &fakePortmapClient{}
	d := New(cfg, handlers, pm, nil)
	d.endpoints.probeV6 = func() error { return syscall.EAFNOSUPPORT }

	require.NoError(t, d.Start())
	require.Eventually(t, func() bool { return d.Waiters() == 2 }, time.Second, time.Millisecond)

	// Start also unregisters any stale entries before binding; only the
	// unregisters Stop makes are counted against the registrations below.
	registered, unregisteredAtStart := pm.snapshot()
	assert.NotEmpty(t, registered)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("Stop did not return within the shutdown window")
	}

	_, unregistered := pm.snapshot()
	assert.Len(t, unregistered[len(unregisteredAtStart):], len(registered), "every registered entry must be unregistered on shutdown")
	assert.Equal(t, 0, d.Waiters())

	_, _, ok := d.endpoints.Listener(rpcwire.ProgramNFS)
	assert.False(t, ok, "listener sockets must be closed on shutdown")
}

// The periodic GSS cache GC sweep actually runs while the core is started
// and stops cleanly on Stop, without leaking its goroutine.
func TestDispatcher_Start_RunsGSSCacheGC(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Core.EnableNFSv3 = true
	cfg.Core.NFSPort = 32249
	cfg.Core.MaxIOWorkerThreads = 1
	cfg.GSS.GCInterval = 10 * time.Millisecond
	cfg.GSS.MaxIdle = time.Millisecond

	handlers := NewHandlerRegistry()
	handlers.Register(Capability{ProgramID: rpcwire.ProgramNFS, Versions: []uint32{3}})

	d := New(cfg, handlers, &fakePortmapClient{}, nil)
	d.endpoints.probeV6 = func() error { return syscall.EAFNOSUPPORT }
	d.gssCache.Put(&gsscache.Context{Handle: "stale", LastUsed: time.Now().Add(-time.Hour)})

	require.NoError(t, d.Start())
	require.Eventually(t, func() bool {
		_, ok := d.gssCache.Get("stale")
		return !ok
	}, time.Second, time.Millisecond, "GC ticker never evicted the stale context")

	d.Stop()
	select {
	case <-d.gcDone:
	default:
		t.Fatal("gcDone was not closed after Stop")
	}
}

// An unopenable badger path falls back to the in-memory DRC default
// instead of failing startup, matching the vsock/RDMA non-fatal pattern.
func TestDispatcher_Start_BadgerDRCFallsBackOnOpenFailure(t *testing.T) {
	// A regular file where badger expects a directory: MkdirAll underneath
	// it fails with ENOTDIR regardless of who runs the test.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Core.EnableNFSv3 = true
	cfg.Core.NFSPort = 32349
	cfg.Core.MaxIOWorkerThreads = 1
	cfg.DRC.Backend = "badger"
	cfg.DRC.Path = filepath.Join(blocker, "drc")

	handlers := NewHandlerRegistry()
	handlers.Register(Capability{ProgramID: rpcwire.ProgramNFS, Versions: []uint32{3}})

	d := New(cfg, handlers, &fakePortmapClient{}, nil)
	d.endpoints.probeV6 = func() error { return syscall.EAFNOSUPPORT }

	require.NoError(t, d.Start())
	defer d.Stop()

	_, ok := d.drc.(*drc.Memory)
	assert.True(t, ok, "an unopenable badger path must fall back to the in-memory DRC")
}

// Calling Stop twice must not panic or double-unregister.
func TestDispatcher_Stop_Idempotent(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Core.EnableNFSv3 = true
	cfg.Core.NFSPort = 32149
	cfg.Core.MountPort = 32148
	cfg.Core.MaxIOWorkerThreads = 1

	handlers := NewHandlerRegistry()
	handlers.Register(Capability{ProgramID: rpcwire.ProgramNFS, Versions: []uint32{3}})

	pm := &fakePortmapClient{}
	d := New(cfg, handlers, pm, nil)
	d.endpoints.probeV6 = func() error { return syscall.EAFNOSUPPORT }

	require.NoError(t, d.Start())
	d.Stop()
	_, afterFirstStop := pm.snapshot()
	d.Stop()

	_, unregistered := pm.snapshot()
	assert.NotEmpty(t, unregistered)
	assert.Equal(t, afterFirstStop, unregistered, "a second Stop must not unregister again")
}
