// Package compute implements remote task submission and placement from
// spec §4.K: TASK_SUBMIT/ACCEPT/REJECT/COMPLETE/CANCEL, periodic
// LOAD_REPORT broadcast, and the try_remote_placement scheduler hook. The
// accept/reject/complete lifecycle and per-task ACK bookkeeping are
// grounded on aistore's xact/xs work-channel plus the per-target ACK
// tracking in ais-rebalance.go.go (LomAcks); task ids use
// github.com/teris-io/shortid the way SPEC_FULL.md's domain stack wires
// it in.
package compute

import (
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/wire"
)

// RejectReason is carried in TASK_REJECT (spec §4.K).
type RejectReason uint8

const (
	ReasonOverloaded RejectReason = iota
	ReasonNoMem
	ReasonBinaryNotFound
	ReasonFetchFailed
)

// State tracks a submitted task's lifecycle from the submitter's side.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateComplete
	StateRejected
	StateDead
)

// Send delivers a compute message to a single node or, with
// wire.NodeBroadcast, to every peer (mirrors peer.BroadcastHello's use of
// the broadcast node id, deferred to the fabric layer's transport fan-out).
type Send func(node uint16, msgType wire.MsgType, payload []byte) error

// Task is the submitter-side handle returned by SubmitInline.
type Task struct {
	ID     string
	Target uint16

	mu         sync.Mutex
	state      State
	pid        uint32
	reason     RejectReason
	exitStatus int32
	stdout     []byte
	stderr     []byte
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result describes a completed or rejected task for callers of Wait.
type Result struct {
	ExitStatus int32
	Stdout     []byte
	Stderr     []byte
}

// LoadReport is the periodic broadcast payload from spec §4.K.
type LoadReport struct {
	NumCPUs       uint16
	RunnableTasks uint16
	AvgLoadPct    uint16 // 0-1000
	FreeMemPages  uint32
	PerCPU        []uint16
}

// LocalLoadFn samples this node's current load for both the periodic
// broadcast and the local_load term of try_remote_placement.
type LocalLoadFn func() LoadReport

// Executor runs a submitted ELF binary locally. The server side wraps
// os/exec; tests supply a fake.
type Executor interface {
	Start(binary []byte, args []string) (pid int, err error)
	// Wait blocks until the process named by pid exits, capping stdout/
	// stderr capture at spec's 1 KB per spec §4.K.
	Wait(pid int) (exitStatus int32, stdout, stderr []byte, err error)
	Kill(pid int) error
}

type serverTask struct {
	id       string
	fromNode uint16
	pid      int
	killed   bool
}

type loadEntry struct {
	report    LoadReport
	receivedAt time.Time
}

// Manager is the combined submitter/server state for one node: task
// tables on both sides, the peer load cache, and the local sampler.
type Manager struct {
	localNode uint16
	cfg       *config.Config
	send      Send
	poll      channel.PollFn
	exec      Executor
	localLoad LocalLoadFn

	mu          sync.Mutex
	tasks       map[string]*Task
	serverTasks map[string]*serverTask
	loadCache   map[uint16]loadEntry
}

func NewManager(localNode uint16, cfg *config.Config, send Send, poll channel.PollFn, exec Executor, localLoad LocalLoadFn) *Manager {
	return &Manager{
		localNode:   localNode,
		cfg:         cfg,
		send:        send,
		poll:        poll,
		exec:        exec,
		localLoad:   localLoad,
		tasks:       make(map[string]*Task),
		serverTasks: make(map[string]*serverTask),
		loadCache:   make(map[uint16]loadEntry),
	}
}

func newTaskID() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid's generator only fails on clock skew beyond its
		// tolerance; fall back to a timestamp-derived id rather than
		// blocking task submission on it.
		return time.Now().Format("20060102150405.000000000")
	}
	return id
}

// SubmitInline sends TASK_SUBMIT with the binary inline and spin-waits
// for TASK_ACCEPT or TASK_REJECT (spec §4.K).
func (m *Manager) SubmitInline(target uint16, binary []byte, args []string, deadline time.Time) (*Task, error) {
	task := &Task{ID: newTaskID(), Target: target, state: StatePending}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	payload := encodeSubmit(task.ID, args, binary)
	if err := m.send(target, wire.MsgTaskSubmit, payload); err != nil {
		m.mu.Lock()
		delete(m.tasks, task.ID)
		m.mu.Unlock()
		return nil, err
	}

	ok := channel.SpinYield(deadline, m.poll, func() bool {
		return task.State() != StatePending
	})
	if !ok {
		m.mu.Lock()
		delete(m.tasks, task.ID)
		m.mu.Unlock()
		return nil, werrs.ErrTimeout
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.state == StateRejected {
		return nil, werrs.Wrapf(werrs.ErrTaskRejected, "reason=%d", task.reason)
	}
	return task, nil
}

// SubmitResourceRef auto-mounts the referenced resource via the supplied
// attach function before forwarding the submission, rather than failing
// when the resource is not already mounted locally on the target (the
// production-grade resolution of spec §9's RESOURCE_REF open question).
func (m *Manager) SubmitResourceRef(target uint16, attach func() error, binary []byte, args []string, deadline time.Time) (*Task, error) {
	if attach != nil {
		if err := attach(); err != nil {
			return nil, werrs.Wrap(err, "auto-mount resource ref")
		}
	}
	return m.SubmitInline(target, binary, args, deadline)
}

// Wait blocks until TASK_COMPLETE arrives for task or the deadline
// expires.
func (m *Manager) Wait(task *Task, deadline time.Time) (Result, error) {
	ok := channel.SpinYield(deadline, m.poll, func() bool {
		s := task.State()
		return s == StateComplete || s == StateDead
	})
	if !ok {
		return Result{}, werrs.ErrTimeout
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return Result{ExitStatus: task.exitStatus, Stdout: task.stdout, Stderr: task.stderr}, nil
}

// Cancel sends TASK_CANCEL; the server force-kills the process and
// replies with TASK_COMPLETE carrying exit_status -9.
func (m *Manager) Cancel(task *Task) error {
	return m.send(task.Target, wire.MsgTaskCancel, encodeCancel(task.ID))
}

// HandleSubmit is the server side of TASK_SUBMIT: validate, start the
// process, and reply ACCEPT or REJECT.
func (m *Manager) HandleSubmit(fromNode uint16, payload []byte) {
	id, args, binary, err := decodeSubmit(payload)
	if err != nil {
		return
	}
	if len(binary) == 0 {
		_ = m.send(fromNode, wire.MsgTaskReject, encodeReject(id, ReasonBinaryNotFound))
		return
	}

	m.mu.Lock()
	overloaded := len(m.serverTasks) >= m.cfg.MaxRunnableTasks
	m.mu.Unlock()
	if overloaded {
		_ = m.send(fromNode, wire.MsgTaskReject, encodeReject(id, ReasonOverloaded))
		return
	}

	pid, err := m.exec.Start(binary, args)
	if err != nil {
		nlog.Warningf("compute: task %s start failed: %v", id, err)
		_ = m.send(fromNode, wire.MsgTaskReject, encodeReject(id, ReasonFetchFailed))
		return
	}

	st := &serverTask{id: id, fromNode: fromNode, pid: pid}
	m.mu.Lock()
	m.serverTasks[id] = st
	m.mu.Unlock()

	_ = m.send(fromNode, wire.MsgTaskAccept, encodeAccept(id, uint32(pid)))

	go m.waitAndComplete(st)
}

func (m *Manager) waitAndComplete(st *serverTask) {
	exitStatus, stdout, stderr, err := m.exec.Wait(st.pid)
	if err != nil {
		nlog.Warningf("compute: task %s wait failed: %v", st.id, err)
	}

	m.mu.Lock()
	_, live := m.serverTasks[st.id]
	delete(m.serverTasks, st.id)
	killed := st.killed
	m.mu.Unlock()
	if !live {
		return
	}
	if killed {
		exitStatus = -9
	}
	_ = m.send(st.fromNode, wire.MsgTaskComplete, encodeComplete(st.id, exitStatus, stdout, stderr))
}

// HandleCancel force-kills the local process for id (spec §4.K). It marks
// the entry killed and leaves it in serverTasks, so waitAndComplete, once
// the process exits, sends TASK_COMPLETE with exit_status -9.
func (m *Manager) HandleCancel(fromNode uint16, payload []byte) {
	id, err := decodeCancel(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	st, ok := m.serverTasks[id]
	if ok {
		st.killed = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.exec.Kill(st.pid)
}

// HandleAccept unblocks SubmitInline's spin-wait with the remote pid.
func (m *Manager) HandleAccept(payload []byte) {
	id, pid, err := decodeAccept(payload)
	if err != nil {
		return
	}
	task := m.lookup(id)
	if task == nil {
		return
	}
	task.mu.Lock()
	task.state = StateRunning
	task.pid = pid
	task.mu.Unlock()
}

// HandleReject unblocks SubmitInline's spin-wait with the reject reason.
func (m *Manager) HandleReject(payload []byte) {
	id, reason, err := decodeReject(payload)
	if err != nil {
		return
	}
	task := m.lookup(id)
	if task == nil {
		return
	}
	task.mu.Lock()
	task.state = StateRejected
	task.reason = reason
	task.mu.Unlock()
}

// HandleComplete fulfils Wait with the process exit status and captured
// stdio.
func (m *Manager) HandleComplete(payload []byte) {
	id, exitStatus, stdout, stderr, err := decodeComplete(payload)
	if err != nil {
		return
	}
	task := m.lookup(id)
	if task == nil {
		return
	}
	task.mu.Lock()
	task.state = StateComplete
	task.exitStatus = exitStatus
	task.stdout = stdout
	task.stderr = stderr
	task.mu.Unlock()
}

func (m *Manager) lookup(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// BroadcastLoad samples local load and sends LOAD_REPORT to every peer
// (spec §4.K: "every peer periodically broadcasts").
func (m *Manager) BroadcastLoad() {
	if m.localLoad == nil {
		return
	}
	report := m.localLoad()
	_ = m.send(wire.NodeBroadcast, wire.MsgLoadReport, encodeLoadReport(report))
}

// HandleLoadReport records a peer's most recent load sample.
func (m *Manager) HandleLoadReport(fromNode uint16, payload []byte) {
	report, err := decodeLoadReport(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.loadCache[fromNode] = loadEntry{report: report, receivedAt: time.Now()}
	m.mu.Unlock()
}

// FenceHook tears down everything a fenced peer touches (spec §4.D
// cascade, "remote compute" stage): client-side tasks submitted to it can
// never complete, so they are marked dead; server-side tasks it submitted
// to us are force-killed since their owner is gone; its load sample is
// dropped so TryRemotePlacement stops considering it.
func (m *Manager) FenceHook(peerNode uint16) {
	m.mu.Lock()
	var toKill []*serverTask
	for id, st := range m.serverTasks {
		if st.fromNode == peerNode {
			toKill = append(toKill, st)
			delete(m.serverTasks, id)
		}
	}
	for _, t := range m.tasks {
		t.mu.Lock()
		if t.Target == peerNode && t.state != StateComplete && t.state != StateDead {
			t.state = StateDead
		}
		t.mu.Unlock()
	}
	delete(m.loadCache, peerNode)
	m.mu.Unlock()

	for _, st := range toKill {
		if err := m.exec.Kill(st.pid); err != nil {
			nlog.Warningf("compute: killing task %s owned by fenced peer %d: %v", st.id, peerNode, err)
		}
	}
}

// leastLoadedNode returns the node with the lowest recent avg_load_pct
// strictly below threshold, provided its report is younger than
// LoadReportMaxAge.
func (m *Manager) leastLoadedNode(threshold int, now time.Time) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := uint16(0)
	bestLoad := threshold
	found := false
	for node, e := range m.loadCache {
		if now.Sub(e.receivedAt) >= m.cfg.LoadReportMaxAge {
			continue
		}
		if int(e.report.AvgLoadPct) < bestLoad {
			bestLoad = int(e.report.AvgLoadPct)
			best = node
			found = true
		}
	}
	return best, found
}

// TryRemotePlacement implements the try_remote_placement scheduler hook:
// if a peer with recent, sufficiently lower load than
// local_load+RemotePlacementPenalty exists, the task is submitted there
// and the remote handle is returned with true. It holds no local task
// object and changes no local task state.
func (m *Manager) TryRemotePlacement(localLoadPct int, binary []byte, args []string, deadline time.Time) (*Task, bool, error) {
	node, ok := m.leastLoadedNode(localLoadPct+m.cfg.RemotePlacementPenalty, time.Now())
	if !ok {
		return nil, false, nil
	}
	task, err := m.SubmitInline(node, binary, args, deadline)
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}
