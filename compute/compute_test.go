package compute

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/wire"
)

// fakeExecutor is a synchronous in-memory stand-in: Start always succeeds
// immediately and records the call; Wait blocks on a per-pid channel so
// tests control completion timing explicitly.
type fakeExecutor struct {
	mu      sync.Mutex
	nextPID int
	starts  []string // args joined
	done    map[int]chan struct{}
	results map[int]fakeResult
	killed  map[int]bool
	failStart bool
}

type fakeResult struct {
	exit           int32
	stdout, stderr []byte
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(map[int]chan struct{}), results: make(map[int]fakeResult), killed: make(map[int]bool)}
}

func (f *fakeExecutor) Start(binary []byte, args []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return 0, fmt.Errorf("start failed")
	}
	f.nextPID++
	pid := f.nextPID
	f.done[pid] = make(chan struct{})
	f.starts = append(f.starts, fmt.Sprintf("%v", args))
	return pid, nil
}

func (f *fakeExecutor) Wait(pid int) (int32, []byte, []byte, error) {
	f.mu.Lock()
	ch := f.done[pid]
	f.mu.Unlock()
	<-ch
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[pid]
	return r.exit, r.stdout, r.stderr, nil
}

func (f *fakeExecutor) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[pid] = true
	f.finish(pid, -9, nil, nil)
	return nil
}

func (f *fakeExecutor) finish(pid int, exit int32, stdout, stderr []byte) {
	f.results[pid] = fakeResult{exit, stdout, stderr}
	close(f.done[pid])
}

func (f *fakeExecutor) Finish(pid int, exit int32, stdout, stderr []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finish(pid, exit, stdout, stderr)
}

type sentMsg struct {
	node    uint16
	msgType wire.MsgType
	payload []byte
}

func wireSubmitter(t *testing.T, cfg *config.Config) (sub, srv *Manager, srvExec *fakeExecutor) {
	srvExec = newFakeExecutor()
	var subM, srvM *Manager
	sendToServer := func(_ uint16, msgType wire.MsgType, payload []byte) error {
		dispatchServer(srvM, 1, msgType, payload)
		return nil
	}
	sendToSubmitter := func(_ uint16, msgType wire.MsgType, payload []byte) error {
		dispatchSubmitter(subM, 2, msgType, payload)
		return nil
	}
	subM = NewManager(1, cfg, sendToServer, func() {}, nil, nil)
	srvM = NewManager(2, cfg, sendToSubmitter, func() {}, srvExec, nil)
	return subM, srvM, srvExec
}

func dispatchServer(m *Manager, fromNode uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgTaskSubmit:
		m.HandleSubmit(fromNode, payload)
	case wire.MsgTaskCancel:
		m.HandleCancel(fromNode, payload)
	case wire.MsgLoadReport:
		m.HandleLoadReport(fromNode, payload)
	}
}

func dispatchSubmitter(m *Manager, fromNode uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgTaskAccept:
		m.HandleAccept(payload)
	case wire.MsgTaskReject:
		m.HandleReject(payload)
	case wire.MsgTaskComplete:
		m.HandleComplete(payload)
	case wire.MsgLoadReport:
		m.HandleLoadReport(fromNode, payload)
	}
}

func TestSubmitInlineAcceptThenComplete(t *testing.T) {
	cfg := config.Default()
	sub, _, exec := wireSubmitter(t, cfg)

	task, err := sub.SubmitInline(2, []byte{0x7f, 'E', 'L', 'F'}, []string{"-x"}, time.Now().Add(time.Second))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, task.State() == StateRunning, "expected running, got %v", task.State())

	exec.Finish(1, 0, []byte("ok"), nil)

	res, err := sub.Wait(task, time.Now().Add(time.Second))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.ExitStatus == 0, "expected exit 0, got %d", res.ExitStatus)
	tassert.Fatalf(t, string(res.Stdout) == "ok", "expected captured stdout, got %q", res.Stdout)
}

func TestSubmitInlineRejectedWhenOverloaded(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRunnableTasks = 0
	sub, _, _ := wireSubmitter(t, cfg)

	_, err := sub.SubmitInline(2, []byte{0x7f}, nil, time.Now().Add(time.Second))
	tassert.Fatalf(t, err != nil, "expected rejection error")
}

func TestSubmitInlineRejectedOnEmptyBinary(t *testing.T) {
	cfg := config.Default()
	sub, _, _ := wireSubmitter(t, cfg)

	_, err := sub.SubmitInline(2, nil, nil, time.Now().Add(time.Second))
	tassert.Fatalf(t, err != nil, "expected rejection for empty binary")
}

func TestCancelForceKillsAndCompletesWithMinusNine(t *testing.T) {
	cfg := config.Default()
	sub, _, _ := wireSubmitter(t, cfg)

	task, err := sub.SubmitInline(2, []byte{0x7f}, nil, time.Now().Add(time.Second))
	tassert.CheckFatal(t, err)

	tassert.CheckFatal(t, sub.Cancel(task))

	res, err := sub.Wait(task, time.Now().Add(time.Second))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.ExitStatus == -9, "expected exit -9, got %d", res.ExitStatus)
}

func TestLoadReportWireRoundTrip(t *testing.T) {
	report := LoadReport{NumCPUs: 8, RunnableTasks: 3, AvgLoadPct: 420, FreeMemPages: 1000, PerCPU: []uint16{100, 200, 300}}
	got, err := decodeLoadReport(encodeLoadReport(report))
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.AvgLoadPct == 420, "avg load mismatch")
	tassert.Fatalf(t, len(got.PerCPU) == 3 && got.PerCPU[1] == 200, "percpu mismatch: %v", got.PerCPU)
}

func TestTryRemotePlacementPicksLeastLoadedBelowThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.RemotePlacementPenalty = 200
	m := NewManager(1, cfg, func(uint16, wire.MsgType, []byte) error { return nil }, func() {}, nil, nil)

	m.HandleLoadReport(2, encodeLoadReport(LoadReport{AvgLoadPct: 100}))
	m.HandleLoadReport(3, encodeLoadReport(LoadReport{AvgLoadPct: 900}))

	node, ok := m.leastLoadedNode(300+cfg.RemotePlacementPenalty, time.Now())
	tassert.Fatalf(t, ok, "expected a candidate node")
	tassert.Fatalf(t, node == 2, "expected node 2 (least loaded), got %d", node)
}

func TestLeastLoadedNodeIgnoresStaleReports(t *testing.T) {
	cfg := config.Default()
	m := NewManager(1, cfg, func(uint16, wire.MsgType, []byte) error { return nil }, func() {}, nil, nil)
	m.HandleLoadReport(2, encodeLoadReport(LoadReport{AvgLoadPct: 50}))

	_, ok := m.leastLoadedNode(1000, time.Now().Add(2*time.Second))
	tassert.Fatalf(t, !ok, "expected stale report to be ignored")
}
