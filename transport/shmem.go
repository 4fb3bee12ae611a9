package transport

import (
	"sync"
	"time"

	"github.com/Pascu-Victor/wki/internal/werrs"
)

const (
	shmemHeaderSize = 64
	shmemRingSize   = 64 * 1024
	mailboxSlotSize = 12
)

// RDMAPool is a bitmap-allocated region of shared memory used for
// register_region/rdma_read/rdma_write (spec §4.B shmem transport). The
// actual BAR mapping is owned by the out-of-scope ivshmem/page-allocator
// collaborator (spec §1); this pool operates on a byte slice handed to it
// at construction time, standing in for that mapped region.
type RDMAPool struct {
	mu     sync.Mutex
	region []byte
	slab   int
	used   []bool
	nextRkey uint32
	keyed  map[uint32]int // rkey -> slab index
}

func NewRDMAPool(region []byte, slab int) *RDMAPool {
	n := len(region) / slab
	return &RDMAPool{region: region, slab: slab, used: make([]bool, n), keyed: make(map[uint32]int)}
}

func (p *RDMAPool) Register(size int) (rkey uint32, offset int, err error) {
	if size > p.slab {
		return 0, 0, werrs.Wrapf(werrs.ErrNoMemory, "shmem: region %d exceeds slab size %d", size, p.slab)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, inUse := range p.used {
		if !inUse {
			p.used[i] = true
			p.nextRkey++
			rkey = p.nextRkey
			p.keyed[rkey] = i
			return rkey, i * p.slab, nil
		}
	}
	return 0, 0, werrs.ErrNoMemory
}

func (p *RDMAPool) Release(rkey uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.keyed[rkey]; ok {
		p.used[i] = false
		delete(p.keyed, rkey)
	}
}

func (p *RDMAPool) slabFor(rkey uint32) ([]byte, error) {
	p.mu.Lock()
	i, ok := p.keyed[rkey]
	p.mu.Unlock()
	if !ok {
		return nil, werrs.ErrInvalidArgument
	}
	return p.region[i*p.slab : (i+1)*p.slab], nil
}

// Slab exposes the backing bytes for a registered region so callers
// that need a direct pointer (e.g. zone RDMA-direct access) can bypass
// RDMARead/RDMAWrite's copy-in/copy-out framing.
func (p *RDMAPool) Slab(rkey uint32) ([]byte, error) { return p.slabFor(rkey) }

// ring is a fixed-capacity single-producer/single-consumer byte ring,
// modeling one of the shmem transport's twin 64 KB ring buffers.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	r, w int
	full bool
}

func newRing(size int) *ring { return &ring{buf: make([]byte, size)} }

func (rg *ring) push(data []byte) error {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	free := len(rg.buf) - rg.len()
	if len(data)+4 > free {
		return werrs.ErrNoMemory
	}
	var lenbuf [4]byte
	lenbuf[0] = byte(len(data))
	lenbuf[1] = byte(len(data) >> 8)
	lenbuf[2] = byte(len(data) >> 16)
	lenbuf[3] = byte(len(data) >> 24)
	rg.writeRaw(lenbuf[:])
	rg.writeRaw(data)
	return nil
}

func (rg *ring) writeRaw(data []byte) {
	for _, b := range data {
		rg.buf[rg.w] = b
		rg.w = (rg.w + 1) % len(rg.buf)
		if rg.w == rg.r {
			rg.full = true
		}
	}
}

func (rg *ring) len() int {
	if rg.full {
		return len(rg.buf)
	}
	if rg.w >= rg.r {
		return rg.w - rg.r
	}
	return len(rg.buf) - rg.r + rg.w
}

func (rg *ring) pop() ([]byte, bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.len() < 4 {
		return nil, false
	}
	lenbuf := rg.readRaw(4)
	n := int(lenbuf[0]) | int(lenbuf[1])<<8 | int(lenbuf[2])<<16 | int(lenbuf[3])<<24
	if rg.len() < n {
		return nil, false
	}
	return rg.readRaw(n), true
}

func (rg *ring) readRaw(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = rg.buf[rg.r]
		rg.r = (rg.r + 1) % len(rg.buf)
	}
	rg.full = false
	return out
}

// Shmem implements Adapter over a BAR-mapped region shared by two VMs: a
// 64-byte header, twin 64 KB rings (tx/rx from this side's perspective),
// and a bitmap-allocated RDMA pool. 12-byte mailbox slots overlay the
// header's reserved bytes for IRQ forwarding (spec §4.B).
type Shmem struct {
	tx, rx *ring
	pool   *RDMAPool
	mailbox [mailboxSlotSize]byte

	rxHandler RxHandler
	stop      chan struct{}
}

// NewShmemPair returns two Shmem adapters sharing rings in both directions,
// as if mapped onto the same ivshmem BAR.
func NewShmemPair() (a, b *Shmem) {
	r1, r2 := newRing(shmemRingSize), newRing(shmemRingSize)
	// both VMs map the same BAR, so RDMA registration/read/write must
	// operate on one shared region, not two private copies.
	sharedPool := NewRDMAPool(make([]byte, 1<<20), 4096)
	a = &Shmem{tx: r1, rx: r2, pool: sharedPool, stop: make(chan struct{})}
	b = &Shmem{tx: r2, rx: r1, pool: sharedPool, stop: make(chan struct{})}
	go a.pump()
	go b.pump()
	return
}

func (s *Shmem) Name() string      { return "shmem" }
func (s *Shmem) MTU() int          { return shmemRingSize - shmemHeaderSize }
func (s *Shmem) RDMACapable() bool { return true }

func (s *Shmem) SetRxHandler(fn RxHandler) { s.rxHandler = fn }

func (s *Shmem) Tx(_ uint16, frame []byte) error { return s.tx.push(frame) }

func (s *Shmem) pump() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if data, ok := s.rx.pop(); ok && s.rxHandler != nil {
			s.rxHandler(0, data)
		} else {
			time.Sleep(200 * time.Microsecond)
		}
	}
}

func (s *Shmem) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Shmem) RegisterRegion(_ uintptr, size int) (uint32, error) {
	rkey, _, err := s.pool.Register(size)
	return rkey, err
}

func (s *Shmem) RDMARead(_ uint16, rkey uint32, remoteOffset int64, localBuf []byte) error {
	slab, err := s.pool.slabFor(rkey)
	if err != nil {
		return err
	}
	if int(remoteOffset)+len(localBuf) > len(slab) {
		return werrs.ErrInvalidArgument
	}
	copy(localBuf, slab[remoteOffset:int(remoteOffset)+len(localBuf)])
	return nil
}

func (s *Shmem) RDMAWrite(_ uint16, rkey uint32, remoteOffset int64, localBuf []byte) error {
	slab, err := s.pool.slabFor(rkey)
	if err != nil {
		return err
	}
	if int(remoteOffset)+len(localBuf) > len(slab) {
		return werrs.ErrInvalidArgument
	}
	copy(slab[remoteOffset:], localBuf)
	return nil
}

// Doorbell writes a value into the 12-byte mailbox slot to signal the peer
// VM's IRQ-forwarding path (spec §4.B).
func (s *Shmem) Doorbell(_ uint16, value uint32) error {
	s.mailbox[0] = byte(value)
	s.mailbox[1] = byte(value >> 8)
	s.mailbox[2] = byte(value >> 16)
	s.mailbox[3] = byte(value >> 24)
	return nil
}
