package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/coriolisfs/nfsdispatch/internal/config"
	"github.com/coriolisfs/nfsdispatch/internal/logger"
	"github.com/coriolisfs/nfsdispatch/internal/portmap"
	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
	"github.com/coriolisfs/nfsdispatch/pkg/dispatch"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/nfsdispatch/config.yaml)")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables the endpoint)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfsdispatchd: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "nfsdispatchd: %v\n", err)
		os.Exit(1)
	}

	logger.Info("nfsdispatchd starting")

	handlers := defaultHandlerRegistry()

	var reg prometheus.Registerer = prometheus.NewRegistry()
	if *metricsAddr != "" {
		promReg := reg.(*prometheus.Registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server exited: %v", err)
			}
		}()
		logger.Info("metrics available on %s/metrics", *metricsAddr)
	}

	d := dispatch.New(cfg, handlers, portmap.LoggingClient{}, reg)

	if err := d.Start(); err != nil {
		logger.Error("failed to start dispatch core: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("nfsdispatchd running, press Ctrl+C to stop")
	<-sigCh

	logger.Info("shutdown signal received")
	d.Stop()
	logger.Info("nfsdispatchd stopped")
}

// defaultHandlerRegistry wires the four programs spec §6 enumerates.
// Procedure semantics are an external collaborator: OnProcess here only
// demonstrates that a resolved handler runs on a worker goroutine, never
// inline in the decoder, and that calling req.SetReply is what feeds the
// worker's cache-and-reply step (a real protocol handler would marshal an
// actual NFS/MOUNT/NLM/RQUOTA result here instead of an empty body).
func defaultHandlerRegistry() *dispatch.HandlerRegistry {
	r := dispatch.NewHandlerRegistry()
	r.Register(dispatch.Capability{
		Tag:       dispatch.ProtocolNFS,
		ProgramID: rpcwire.ProgramNFS,
		Versions:  []uint32{3, 4},
		OnProcess: func(req *dispatch.Req) {
			logger.Debug("NFS request xid=0x%x procedure=%d", req.Header.XID, req.Header.Procedure)
			replyStub(req)
		},
	})
	r.Register(dispatch.Capability{
		Tag:       dispatch.ProtocolMount,
		ProgramID: rpcwire.ProgramMount,
		Versions:  []uint32{1, 3},
		OnProcess: func(req *dispatch.Req) {
			logger.Debug("MOUNT request xid=0x%x procedure=%d", req.Header.XID, req.Header.Procedure)
			replyStub(req)
		},
	})
	r.Register(dispatch.Capability{
		Tag:       dispatch.ProtocolNLM,
		ProgramID: rpcwire.ProgramNLM,
		Versions:  []uint32{4},
		OnProcess: func(req *dispatch.Req) {
			logger.Debug("NLM request xid=0x%x procedure=%d", req.Header.XID, req.Header.Procedure)
			replyStub(req)
		},
	})
	r.Register(dispatch.Capability{
		Tag:       dispatch.ProtocolRQuota,
		ProgramID: rpcwire.ProgramRQuota,
		Versions:  []uint32{1, 2},
		OnProcess: func(req *dispatch.Req) {
			logger.Debug("RQUOTA request xid=0x%x procedure=%d", req.Header.XID, req.Header.Procedure)
			replyStub(req)
		},
	})
	return r
}

// replyStub encodes an empty-body SUCCESS reply so the worker's
// cache-and-reply step has something to write and cache. A real protocol
// handler replaces this with its own marshaled result.
func replyStub(req *dispatch.Req) {
	reply, err := rpcwire.EncodeSuccessReply(req.Header.XID, nil)
	if err != nil {
		logger.Debug("encode reply for xid=0x%x failed: %v", req.Header.XID, err)
		return
	}
	req.SetReply(reply)
}
