package devproxy

import (
	"encoding/binary"
	"testing"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/devserver"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/wire"
)

// fakeServer responds synchronously inside the Out callback, simulating
// an owner node that always replies immediately -- enough to exercise
// devproxy's chunking logic without a real transport round trip.
type fakeServer struct {
	blockSize   uint32
	totalBlocks uint64
	reads       int
	writes      int
}

func (s *fakeServer) respond(p *Proxy, payload []byte) {
	op := wire.OpID(binary.LittleEndian.Uint16(payload[0:2]))
	data := payload[2:]
	var resp devserver.OpResponse
	switch op {
	case wire.OpBlockInfo:
		body := make([]byte, 12)
		putLE32(body[0:4], s.blockSize)
		putLE64(body[4:12], s.totalBlocks)
		resp = devserver.OpResponse{Op: op, Data: body}
	case wire.OpBlockRead:
		s.reads++
		count := le32(data[8:12])
		resp = devserver.OpResponse{Op: op, Data: make([]byte, int(count)*int(s.blockSize))}
	case wire.OpBlockWrite:
		s.writes++
		resp = devserver.OpResponse{Op: op}
	}
	p.OnResponse(wire.MsgDevOpResp, devserver.EncodeOpResponse(resp))
}

func newTestProxy(t *testing.T, srv *fakeServer) *Proxy {
	cfg := config.Default()
	var p *Proxy
	out := func(frame []byte) error {
		f, err := wire.DecodeFrame(frame)
		tassert.CheckFatal(t, err)
		req, err := devserver.DecodeOpRequest(f.Payload)
		tassert.CheckFatal(t, err)
		_ = req
		srv.respond(p, f.Payload)
		return nil
	}
	ch := channel.New(1, 16, wire.PriorityThroughput, true, out, nil, nil)
	p = newProxy(1, 16, 5, 4096, ch, func() {}, cfg)
	return p
}

func TestBlockProxyChunkedReadAcrossMTU(t *testing.T) {
	srv := &fakeServer{blockSize: 512, totalBlocks: 1024}
	base := newTestProxy(t, srv)
	base.MaxOpSize = 4096 // blocks_per_chunk = 8

	bp, err := NewBlockProxy(base)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bp.BlockSize == 512, "block size mismatch")

	data, err := bp.ReadBlocks(0, 10)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(data) == 10*512, "expected %d bytes, got %d", 10*512, len(data))
	tassert.Fatalf(t, srv.reads == 2, "expected 2 chunked reads (8+2), got %d", srv.reads)
}

func TestBlockProxyExactMTUSingleOp(t *testing.T) {
	srv := &fakeServer{blockSize: 512, totalBlocks: 1024}
	base := newTestProxy(t, srv)
	base.MaxOpSize = 4096 // 8 blocks exactly fits one chunk

	bp, err := NewBlockProxy(base)
	tassert.CheckFatal(t, err)
	_, err = bp.ReadBlocks(0, 8)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, srv.reads == 1, "expected exactly 1 op for 8 blocks at max_op_size=4096, got %d", srv.reads)
}

// nicServer answers NET_SET_MAC/NET_GET_STATS synchronously inside Out,
// the same way fakeServer stands in for a block device owner.
type nicServer struct {
	lastMAC [6]byte
}

func (s *nicServer) respond(p *Proxy, payload []byte) {
	op := wire.OpID(binary.LittleEndian.Uint16(payload[0:2]))
	data := payload[2:]
	var resp devserver.OpResponse
	switch op {
	case wire.OpNetSetMAC:
		copy(s.lastMAC[:], data)
		resp = devserver.OpResponse{Op: op}
	case wire.OpNetGetStats:
		body := make([]byte, 32)
		putLE64(body[0:8], 10)  // TxPackets
		putLE64(body[8:16], 20) // RxPackets
		putLE64(body[16:24], 1000)
		putLE64(body[24:32], 2000)
		resp = devserver.OpResponse{Op: op, Data: body}
	}
	p.OnResponse(wire.MsgDevOpResp, devserver.EncodeOpResponse(resp))
}

func newTestNICProxy(t *testing.T, srv *nicServer) (*NICProxy, *int) {
	cfg := config.Default()
	sent := 0
	var p *Proxy
	out := func(frame []byte) error {
		f, err := wire.DecodeFrame(frame)
		tassert.CheckFatal(t, err)
		req, err := devserver.DecodeOpRequest(f.Payload)
		tassert.CheckFatal(t, err)
		if req.Op == wire.OpNetXmit {
			sent++
			return nil // fire-and-forget: no response expected
		}
		srv.respond(p, f.Payload)
		return nil
	}
	ch := channel.New(1, 16, wire.PriorityThroughput, true, out, nil, nil)
	p = newProxy(1, 16, 7, 4096, ch, func() {}, cfg)
	return NewNICProxy(p, func([]byte) {}), &sent
}

func TestNICProxyXmitSetMACAndStats(t *testing.T) {
	srv := &nicServer{}
	nic, sent := newTestNICProxy(t, srv)

	tassert.CheckFatal(t, nic.StartXmit([]byte("ethernet-frame")))
	tassert.Fatalf(t, *sent == 1, "expected 1 fire-and-forget xmit, got %d", *sent)

	mac := [6]byte{0x02, 0, 0, 0, 0, 0x42}
	tassert.CheckFatal(t, nic.SetMAC(mac))
	tassert.Fatalf(t, srv.lastMAC == mac, "expected server to observe the new MAC, got %v", srv.lastMAC)

	stats, err := nic.PollStats()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, stats.TxPackets == 10 && stats.RxPackets == 20,
		"unexpected remote stats: %+v", stats)
}

func TestNICProxyHandlesRXNotifyPush(t *testing.T) {
	srv := &nicServer{}
	var got []byte
	cfg := config.Default()
	var p *Proxy
	out := func(frame []byte) error {
		f, err := wire.DecodeFrame(frame)
		tassert.CheckFatal(t, err)
		_, err = devserver.DecodeOpRequest(f.Payload)
		tassert.CheckFatal(t, err)
		srv.respond(p, f.Payload)
		return nil
	}
	ch := channel.New(1, 16, wire.PriorityThroughput, true, out, nil, nil)
	p = newProxy(1, 16, 7, 4096, ch, func() {}, cfg)
	nic := NewNICProxy(p, func(frame []byte) { got = frame })

	// devserver.ForwardNICRx pushes NET_RX_NOTIFY as an unsolicited
	// MsgDevOpReq carrying an encoded OpResponse (spec §4.G), routed to
	// NICProxy.handleExtra via the base Proxy's extraDispatch seam.
	push := devserver.OpResponse{Op: wire.OpNetRXNotify, Data: []byte("incoming-frame")}
	p.OnResponse(wire.MsgDevOpReq, devserver.EncodeOpResponse(push))

	tassert.Fatalf(t, string(got) == "incoming-frame", "expected onRx callback to fire, got %q", got)
	tassert.Fatalf(t, nic.stats.RxPackets == 1 && nic.stats.RxBytes == uint64(len("incoming-frame")),
		"unexpected NIC rx stats: %+v", nic.stats)
}
