// Package dispatch is the RPC dispatch and request-queueing core: it owns
// listening endpoints, decodes incoming RPC messages, classifies them onto
// a priority-aware multi-queue, and hands them to a worker pool that runs
// protocol handlers. NFS/MOUNT/NLM/RQUOTA procedure semantics, XDR body
// encoding, GSS credential issuance and the portmap wire protocol are all
// external collaborators referenced by interface only.
package dispatch
