// Command wkinoded is the daemon entrypoint: it builds one node.Node,
// attaches it to a UDP-simulated link (see udplink.go) standing in for a
// real NIC driver, drives the node's periodic tick/hello loop, and serves
// internal/metrics.Registry on the prometheus/client_golang HTTP exposition
// endpoint, mirroring how exporter_example1 feeds a synthetic source into
// a collector and serves it over promhttp.Handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pascu-Victor/wki/compute"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/metrics"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/node"
	"github.com/Pascu-Victor/wki/transport"
)

type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }
func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var (
		nodeID      = flag.Uint("node", 1, "this node's node_id")
		macFlag     = flag.String("mac", "", "this node's MAC, aa:bb:cc:dd:ee:ff (defaults to node_id-derived)")
		listenAddr  = flag.String("listen", ":7700", "UDP address the simulated link binds")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	)
	var peers peerList
	flag.Var(&peers, "peer", "mac@host:port of a directly-reachable peer (repeatable)")
	flag.Parse()

	mac, err := parseLocalMAC(*macFlag, uint16(*nodeID))
	if err != nil {
		nlog.Errorf("wkinoded: %v", err)
		return
	}

	cfg := config.Default()

	link, err := newUDPLink(*listenAddr, peers)
	if err != nil {
		nlog.Errorf("wkinoded: %v", err)
		return
	}
	defer link.Close()

	eth := transport.NewEthernet(link, 1400)
	link.attach(eth)
	go link.run()

	exec := compute.NewLocalExecutor(cfg.TaskStdioCaptureBytes)
	localLoad := newLoadSampler()

	n := node.New(cfg, uint16(*nodeID), mac, nil, exec, localLoad.Sample)
	n.InstallTransport(eth)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		nlog.Infof("wkinoded: serving metrics on %s", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Errorf("wkinoded: metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nlog.Infof("wkinoded: node %d up, link on %s, %d configured peer(s)", *nodeID, *listenAddr, len(peers))
	n.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parseLocalMAC(s string, nodeID uint16) (transport.MAC, error) {
	var mac transport.MAC
	if s == "" {
		// Deterministic demo MAC: locally-administered OUI + node_id in the
		// low two octets, so a handful of wkinoded processes on one host
		// get distinct, collision-free MACs without operator bookkeeping.
		mac = transport.MAC{0x02, 0x00, 0x00, 0x00, byte(nodeID >> 8), byte(nodeID)}
		return mac, nil
	}
	octets := strings.Split(s, ":")
	if len(octets) != 6 {
		return mac, fmt.Errorf("wkinoded: bad -mac %q, want aa:bb:cc:dd:ee:ff", s)
	}
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("wkinoded: bad -mac %q: %w", s, err)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

// loadSampler implements compute.LocalLoadFn with real host figures
// (goroutine-scheduler CPU count, live heap stats) so LOAD_REPORT reflects
// actual host load rather than a synthetic placeholder.
type loadSampler struct{}

func newLoadSampler() *loadSampler { return &loadSampler{} }

func (s *loadSampler) Sample() compute.LoadReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	numCPU := runtime.NumCPU()
	free := uint32(0)
	if ms.Sys > ms.HeapInuse {
		free = uint32((ms.Sys - ms.HeapInuse) / 4096)
	}
	return compute.LoadReport{
		NumCPUs:       uint16(numCPU),
		RunnableTasks: uint16(runtime.NumGoroutine()),
		AvgLoadPct:    0,
		FreeMemPages:  free,
		PerCPU:        make([]uint16, numCPU),
	}
}
