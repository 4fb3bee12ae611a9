package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/wire"
)

// udpLink stands in for the real NIC driver that transport.Ethernet treats
// as an out-of-scope collaborator: it fans WKI frames out over UDP
// datagrams instead of raw 802.3 frames, so a handful of wkinoded
// processes on one host (or LAN) can exchange HELLO/heartbeat/channel
// traffic without a live Ethernet driver. Framing is otherwise untouched:
// the UDP payload IS the WKI frame, and SrcNode is read back out of the
// decoded header on receipt rather than carried in a separate UDP field.
type udpLink struct {
	conn *net.UDPConn
	eth  *transport.Ethernet

	mu    sync.RWMutex
	peers map[transport.MAC]*net.UDPAddr
}

func newUDPLink(listenAddr string, peerSpecs []string) (*udpLink, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("wkinoded: resolving -listen %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("wkinoded: listening on %q: %w", listenAddr, err)
	}

	l := &udpLink{conn: conn, peers: make(map[transport.MAC]*net.UDPAddr)}
	for _, spec := range peerSpecs {
		mac, addr, err := parsePeerSpec(spec)
		if err != nil {
			conn.Close()
			return nil, err
		}
		l.peers[mac] = addr
	}
	return l, nil
}

// parsePeerSpec parses "mac@host:port", e.g. "00:00:00:00:00:02@10.0.0.2:7700".
func parsePeerSpec(spec string) (transport.MAC, *net.UDPAddr, error) {
	var mac transport.MAC
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 {
		return mac, nil, fmt.Errorf("wkinoded: bad -peer %q, want mac@host:port", spec)
	}
	octets := strings.Split(parts[0], ":")
	if len(octets) != 6 {
		return mac, nil, fmt.Errorf("wkinoded: bad MAC %q in -peer", parts[0])
	}
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 16, 8)
		if err != nil {
			return mac, nil, fmt.Errorf("wkinoded: bad MAC %q in -peer: %w", parts[0], err)
		}
		mac[i] = byte(v)
	}
	addr, err := net.ResolveUDPAddr("udp4", parts[1])
	if err != nil {
		return mac, nil, fmt.Errorf("wkinoded: resolving peer addr %q: %w", parts[1], err)
	}
	return mac, addr, nil
}

func (l *udpLink) attach(eth *transport.Ethernet) { l.eth = eth }

// Send implements transport.LinkSender.
func (l *udpLink) Send(dst *transport.MAC, _ uint16, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if dst == nil {
		var firstErr error
		for _, addr := range l.peers {
			if _, err := l.conn.WriteToUDP(payload, addr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	addr, ok := l.peers[*dst]
	if !ok {
		return fmt.Errorf("wkinoded: no UDP peer registered for MAC %v", *dst)
	}
	_, err := l.conn.WriteToUDP(payload, addr)
	return err
}

// run reads datagrams until the socket is closed, decoding just enough of
// the WKI header to recover SrcNode before handing the frame to the
// Ethernet adapter's RX path.
func (l *udpLink) run() {
	buf := make([]byte, 65536)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame, err := wire.DecodeFrame(buf[:n])
		if err != nil {
			nlog.Warningf("wkinoded: dropping malformed UDP datagram: %v", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		l.eth.Deliver(frame.Header.SrcNode, cp)
	}
}

func (l *udpLink) Close() error { return l.conn.Close() }
