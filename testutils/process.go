package testutils

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/inboxguard/inboxguard/service"
)

// FakeProcessManager is an in-memory service.ProcessManager. Started
// processes bind Port after BindAfter liveness checks; processes that
// IgnoreTERM survive SIGTERM and only die on SIGKILL.
type FakeProcessManager struct {
	mu sync.Mutex

	Port       int
	BindAfter  int
	IgnoreTERM bool
	LookupErr  error
	StartErr   error
	// ExitOnStart makes launched processes die before binding
	ExitOnStart bool

	nextPID   int
	listening map[int][]int // port -> pids
	alive     map[int]bool
	pending   map[int]int // pid -> checks left until bound
	pendingAt map[int]int // pid -> port

	Starts  []service.LaunchSpec
	Signals []Signal
}

// Signal records one delivered signal.
type Signal struct {
	PID int
	Sig syscall.Signal
}

func NewFakeProcessManager(port int) *FakeProcessManager {
	return &FakeProcessManager{
		Port:      port,
		nextPID:   1000,
		listening: make(map[int][]int),
		alive:     make(map[int]bool),
		pending:   make(map[int]int),
		pendingAt: make(map[int]int),
	}
}

// Listen marks an already running process bound to port and returns its pid.
func (f *FakeProcessManager) Listen(port int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.listening[port] = append(f.listening[port], pid)
	return pid
}

// ListenUnknown marks port bound by a process whose pid cannot be read.
func (f *FakeProcessManager) ListenUnknown(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening[port] = append(f.listening[port], 0)
}

func (f *FakeProcessManager) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	for pid, left := range f.pending {
		if f.pendingAt[pid] != port || !f.alive[pid] {
			continue
		}
		if left <= 0 {
			f.listening[port] = append(f.listening[port], pid)
			delete(f.pending, pid)
			delete(f.pendingAt, pid)
			continue
		}
		f.pending[pid] = left - 1
	}
	var pids []int
	for _, pid := range f.listening[port] {
		if pid == 0 || f.alive[pid] {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Start launches a fake process that binds Port once checked BindAfter times.
func (f *FakeProcessManager) Start(_ context.Context, spec service.LaunchSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return 0, f.StartErr
	}
	f.Starts = append(f.Starts, spec)
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = !f.ExitOnStart
	if !f.ExitOnStart {
		f.pending[pid] = f.BindAfter
		f.pendingAt[pid] = f.Port
	}
	return pid, nil
}

func (f *FakeProcessManager) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	f.Signals = append(f.Signals, Signal{PID: pid, Sig: sig})
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !f.IgnoreTERM) {
		f.alive[pid] = false
	}
	return nil
}

func (f *FakeProcessManager) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

// LiveCount returns how many fake processes are alive.
func (f *FakeProcessManager) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, alive := range f.alive {
		if alive {
			n++
		}
	}
	return n
}

// StartCount returns how many processes were launched.
func (f *FakeProcessManager) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Starts)
}

// SignalsSent returns a copy of the delivered signals.
func (f *FakeProcessManager) SignalsSent() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Signal(nil), f.Signals...)
}

var _ service.ProcessManager = (*FakeProcessManager)(nil)
