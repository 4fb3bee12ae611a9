package zone

import (
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/wire"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func dispatch(m *Manager, fromNode uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgZoneCreateReq:
		m.HandleCreateReq(fromNode, payload)
	case wire.MsgZoneCreateAck:
		m.HandleCreateAck(payload)
	case wire.MsgZoneDestroy:
		m.HandleDestroy(payload)
	case wire.MsgZoneNotifyPre, wire.MsgZoneNotifyPost:
		m.HandleNotify(fromNode, msgType, payload)
	case wire.MsgZoneNotifyPreAck, wire.MsgZoneNotifyPostAck:
		m.HandleNotifyAck(payload)
	case wire.MsgZoneReadReq:
		m.HandleReadReq(fromNode, payload)
	case wire.MsgZoneReadResp:
		m.HandleReadResp(payload)
	case wire.MsgZoneWriteReq:
		m.HandleWriteReq(fromNode, payload)
	case wire.MsgZoneWriteAck:
		m.HandleWriteAck(payload)
	}
}

func wireManagers(nodeA, nodeB uint16, poolA, poolB *transport.RDMAPool) (mA, mB *Manager) {
	cfg := config.Default()
	var a, b *Manager
	sendA := func(_ uint16, msgType wire.MsgType, payload []byte) error {
		dispatch(b, nodeA, msgType, payload)
		return nil
	}
	sendB := func(_ uint16, msgType wire.MsgType, payload []byte) error {
		dispatch(a, nodeB, msgType, payload)
		return nil
	}
	a = NewManager(nodeA, cfg, sendA, func() {}, poolA, nil)
	b = NewManager(nodeB, cfg, sendB, func() {}, poolB, nil)
	return a, b
}

var _ = Describe("zone negotiation", func() {
	It("activates both sides as plain/message-based when no RDMA pool is configured", func() {
		mA, mB := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 100, 4096, LocalRead|LocalWrite|RemoteRead|RemoteWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())
		Expect(zA.State).To(Equal(StateActive))
		Expect(zA.backing).To(Equal(backingPlain))
		Expect(zA.isRDMADirect()).To(BeFalse())

		zB, ok := mB.Get(100)
		Expect(ok).To(BeTrue())
		Expect(zB.State).To(Equal(StateActive))
	})

	It("rejects a non-page-aligned size", func() {
		mA, _ := wireManagers(1, 2, nil, nil)
		_, err := mA.Create(2, 101, 100, LocalRead, NotifyNone)
		Expect(err).To(HaveOccurred())
	})

	It("mirrors ivshmem backing and becomes RDMA-direct when both sides have pools", func() {
		poolA := transport.NewRDMAPool(make([]byte, 1<<20), 4096)
		poolB := transport.NewRDMAPool(make([]byte, 1<<20), 4096)
		mA, mB := wireManagers(1, 2, poolA, poolB)
		zA, err := mA.Create(2, 200, 4096, LocalRead|LocalWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())
		Expect(zA.backing).To(Equal(backingIvshmem))
		Expect(zA.isRDMADirect()).To(BeTrue())

		zB, ok := mB.Get(200)
		Expect(ok).To(BeTrue())
		Expect(zB.backing).To(Equal(backingIvshmem))
	})

	It("falls back to message-based when the responder has no ivshmem pool", func() {
		poolA := transport.NewRDMAPool(make([]byte, 1<<20), 4096)
		mA, mB := wireManagers(1, 2, poolA, nil)
		zA, err := mA.Create(2, 201, 4096, LocalRead|LocalWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())
		Expect(zA.backing).To(Equal(backingPlain))

		zB, ok := mB.Get(201)
		Expect(ok).To(BeTrue())
		Expect(zB.backing).To(Equal(backingPlain))
	})
})

var _ = Describe("zone access", func() {
	It("round-trips a message-based write then read through the owning peer", func() {
		mA, mB := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 300, 4096, LocalRead|LocalWrite|RemoteRead|RemoteWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())

		payload := []byte("hello zone")
		Expect(mA.Write(zA, 0, payload)).To(Succeed())

		zB, _ := mB.Get(300)
		Expect(zB.localBuf[:len(payload)]).To(Equal(payload))

		got, err := mA.Read(zA, 0, uint32(len(payload)))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
	})

	It("denies a remote write without the remote_write policy bit", func() {
		mA, _ := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 301, 4096, LocalRead|LocalWrite|RemoteRead, NotifyNone)
		Expect(err).NotTo(HaveOccurred())
		err = mA.Write(zA, 0, []byte("denied"))
		Expect(err).To(HaveOccurred())
	})

	It("chunks message-based access larger than the 1024-byte chunk size", func() {
		mA, mB := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 302, 4096, LocalRead|LocalWrite|RemoteRead|RemoteWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())

		data := make([]byte, 2500)
		for i := range data {
			data[i] = byte(i % 251)
		}
		Expect(mA.Write(zA, 0, data)).To(Succeed())

		zB, _ := mB.Get(302)
		Expect(zB.localBuf[:len(data)]).To(Equal(data))

		got, err := mA.Read(zA, 0, uint32(len(data)))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))
	})

	It("stripes a bulk write over the reedsolomon threshold and reassembles it", func() {
		mA, mB := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 304, 200704, LocalRead|LocalWrite|RemoteRead|RemoteWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())

		data := make([]byte, 70000)
		for i := range data {
			data[i] = byte(i % 256)
		}
		Expect(mA.Write(zA, 0, data)).To(Succeed())

		zB, _ := mB.Get(304)
		Expect(zB.localBuf[:len(data)]).To(Equal(data))

		got, err := mA.Read(zA, 0, uint32(len(data)))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))
	})

	It("invokes pre/post notify handlers on the owner for message-based access", func() {
		mA, mB := wireManagers(1, 2, nil, nil)
		zA, err := mA.Create(2, 303, 4096, LocalRead|LocalWrite|RemoteRead|RemoteWrite, NotifyPreAndPost)
		Expect(err).NotTo(HaveOccurred())

		zB, ok := mB.Get(303)
		Expect(ok).To(BeTrue())
		var preCalls, postCalls int
		zB.PreHandler = func(uint32, uint32, uint32, uint8) { preCalls++ }
		zB.PostHandler = func(uint32, uint32, uint32, uint8) { postCalls++ }

		Expect(mA.Write(zA, 0, []byte("notify me"))).To(Succeed())
		Expect(preCalls).To(Equal(1))
		Expect(postCalls).To(Equal(1))
	})
})

var _ = Describe("zone lifecycle", func() {
	It("destroys the zone on both sides and frees ivshmem backing", func() {
		poolA := transport.NewRDMAPool(make([]byte, 1<<20), 4096)
		poolB := transport.NewRDMAPool(make([]byte, 1<<20), 4096)
		mA, mB := wireManagers(1, 2, poolA, poolB)
		zA, err := mA.Create(2, 400, 4096, LocalRead|LocalWrite, NotifyNone)
		Expect(err).NotTo(HaveOccurred())

		Expect(mA.Destroy(zA.ZoneID)).To(Succeed())
		_, ok := mA.Get(400)
		Expect(ok).To(BeFalse())
		_, ok = mB.Get(400)
		Expect(ok).To(BeFalse())
	})

	It("fences every zone shared with a fenced peer", func() {
		mA, _ := wireManagers(1, 2, nil, nil)
		_, err := mA.Create(2, 500, 4096, LocalRead, NotifyNone)
		Expect(err).NotTo(HaveOccurred())
		_, err = mA.Create(2, 501, 4096, LocalRead, NotifyNone)
		Expect(err).NotTo(HaveOccurred())

		mA.FenceHook(2)
		_, ok := mA.Get(500)
		Expect(ok).To(BeFalse())
		_, ok = mA.Get(501)
		Expect(ok).To(BeFalse())
	})
})
