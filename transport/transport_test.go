package transport

import (
	"testing"
	"time"

	"github.com/Pascu-Victor/wki/internal/tassert"
)

func TestLoopbackPairDelivers(t *testing.T) {
	a, b := NewLoopbackPair("a", "b")
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetRxHandler(func(_ uint16, frame []byte) { received <- frame })

	tassert.CheckFatal(t, a.Tx(0, []byte("hi")))

	select {
	case got := <-received:
		tassert.Fatalf(t, string(got) == "hi", "got %q", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLoopbackDropNextSend(t *testing.T) {
	a, b := NewLoopbackPair("a", "b")
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 2)
	b.SetRxHandler(func(_ uint16, frame []byte) { received <- frame })

	a.DropNextSend()
	tassert.CheckFatal(t, a.Tx(0, []byte("dropped")))
	tassert.CheckFatal(t, a.Tx(0, []byte("kept")))

	select {
	case got := <-received:
		tassert.Fatalf(t, string(got) == "kept", "expected only the second send to arrive, got %q", got)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestShmemRDMARoundTrip(t *testing.T) {
	a, b := NewShmemPair()
	defer a.Close()
	defer b.Close()

	rkey, err := b.RegisterRegion(0, 64)
	tassert.CheckFatal(t, err)

	payload := []byte("zone-data-payload")
	tassert.CheckFatal(t, a.RDMAWrite(0, rkey, 0, payload))

	out := make([]byte, len(payload))
	tassert.CheckFatal(t, a.RDMARead(0, rkey, 0, out))
	tassert.Fatalf(t, string(out) == string(payload), "rdma round trip mismatch: %q", out)
}
