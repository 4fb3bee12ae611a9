// Package transport abstracts one link instance (spec §4.B) behind the
// contract {Send, SetRxHandler} plus an optional RDMA capability set. Two
// concrete transports are provided -- Ethernet and shared-memory -- plus a
// Loopback transport used pervasively by tests, grounded on aistore's
// transport package dry-run stream mode (dryrun() in transport/api.go),
// which lets the rest of the stack exercise the exact same send/receive
// pipeline without a real NIC underneath.
package transport

import "github.com/Pascu-Victor/wki/internal/ratomic"

// RxHandler is invoked once per received raw frame (header+payload bytes).
type RxHandler func(neighbor uint16, frame []byte)

// Adapter is the contract every link implementation exposes (spec §4.B).
type Adapter interface {
	// MTU is the maximum payload a single frame may carry, excluding the
	// WKI header.
	MTU() int
	// RDMACapable reports whether RegisterRegion/RDMARead/RDMAWrite/Doorbell
	// are implemented (shared-memory transports only).
	RDMACapable() bool
	// Tx transmits a raw WKI frame to a direct neighbor. NodeBroadcast
	// sends to every reachable L2 target.
	Tx(neighbor uint16, frame []byte) error
	// SetRxHandler installs the single RX callback for this adapter.
	SetRxHandler(fn RxHandler)
	// Name identifies the adapter for logging/metrics.
	Name() string
}

// RDMA is implemented by RDMA-capable adapters only; callers type-assert.
type RDMA interface {
	RegisterRegion(phys uintptr, size int) (rkey uint32, err error)
	RDMARead(neighbor uint16, rkey uint32, remoteOffset int64, localBuf []byte) error
	RDMAWrite(neighbor uint16, rkey uint32, remoteOffset int64, localBuf []byte) error
	Doorbell(neighbor uint16, value uint32) error
}

// Stats tracks per-adapter counters the way aistore's transport.Stats
// tracks per-session Num/Offset/Size.
type Stats struct {
	Sent     ratomic.Int64
	Received ratomic.Int64
	Errors   ratomic.Int64
}
