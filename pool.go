package procpool

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/procpool/procpool/shm"
	"golang.org/x/sys/unix"
)

const (
	// pollInterval paces the completion scan. Completion is observed
	// through the shared array rather than waitpid so a finished worker
	// is seen without waiting for full process teardown.
	pollInterval = 10 * time.Millisecond

	// crashTestPasses is how many poll passes run between liveness
	// probes of still-running workers.
	crashTestPasses = 10

	// idlePollInterval paces a keep-idle worker's check that its
	// supervisor is still alive.
	idlePollInterval = 500 * time.Millisecond

	killPollInterval = 10 * time.Millisecond
)

type childStatus int

const (
	childNotRunning childStatus = iota + 1
	childRunning
	childDone
)

// childRecord tracks one spawned worker. Supervisor-local.
type childRecord struct {
	pid    int
	status childStatus
}

// Pool spawns a bounded number of worker processes of the current binary,
// waits for them to report completion through a shared-memory flag array,
// and reclaims them.
//
// The same Run call is the entry point on both sides: in a worker process
// it attaches the inherited shared state and returns with the worker role
// set, so a caller runs its workload when IsWorker reports true and then
// invokes ExitChild.
type Pool struct {
	opts Options

	children   []childRecord
	childIndex int // -1 in the supervisor
	parentPID  int
	runID      string

	region *shm.Region
	done   []uint32 // one slot per worker; slot i is written only by worker i

	// extra spawn state for the queue variant
	extraFiles []*os.File
	extraEnv   []string

	sigInstalled bool
}

type Options struct {
	// WaitForAll makes Run block until every worker has completed or one
	// has crashed. The queue variant turns this off and drains workers
	// through Destroy instead.
	WaitForAll bool

	// Notifier receives lifecycle notifications. May be nil.
	Notifier Notifier
}

func DefaultOptions() Options {
	return Options{WaitForAll: true}
}

func (o Options) SetWaitForAll(v bool) Options {
	o.WaitForAll = v
	return o
}

func (o Options) SetNotifier(n Notifier) Options {
	o.Notifier = n
	return o
}

func New(opts Options) *Pool {
	return &Pool{
		opts:       opts,
		childIndex: -1,
	}
}

func (p *Pool) IsSupervisor() bool { return p.childIndex < 0 }
func (p *Pool) IsWorker() bool     { return !p.IsSupervisor() }

// WorkerIndex returns the zero-based index of this worker in spawn order,
// or -1 in the supervisor.
func (p *Pool) WorkerIndex() int { return p.childIndex }

func (p *Pool) ParentPID() int { return p.parentPID }

// Run spawns total workers, at most maxConcurrent alive at once. A
// maxConcurrent below 1 or above total is clamped to total.
//
// In the supervisor Run blocks (with the default WaitForAll) until every
// worker completed or one crashed; on either outcome surviving workers are
// killed and all shared state is released. In a worker process Run attaches
// the inherited shared state and returns immediately with the worker role
// set.
func (p *Pool) Run(total, maxConcurrent int) error {
	if IsWorkerProcess() {
		return p.attachWorker()
	}

	if total < 1 {
		return fmt.Errorf("total workers must be at least 1, got %d", total)
	}
	if maxConcurrent < 1 || maxConcurrent > total {
		maxConcurrent = total
	}

	if err := p.preFork(total); err != nil {
		return err
	}

	Log.Info().
		Int("total", total).
		Int("max_concurrent", maxConcurrent).
		Str("run_id", p.runID).
		Msg("Spawning workers")

	p.notify(NotifyPreFork)

	running := 0
	var runErr error

	for i := 0; i < total; i++ {
		if running == maxConcurrent {
			idx, pid, crashed := p.waitForOne()
			if crashed {
				runErr = CrashError{Index: idx, Pid: pid}
				break
			}

			if pid == 0 {
				running = 0
			} else {
				running--
			}
		}

		flushOutput()

		pid, err := p.spawn(i, total)
		if err != nil {
			runErr = NewSyscallError("spawn worker", err)
			break
		}

		p.children[i] = childRecord{pid: pid, status: childRunning}
		running++

		Log.Info().Int("worker", i).Int("worker_pid", pid).Msg("Spawned worker")
		p.notify(NotifyChildFork)
	}

	if runErr != nil {
		Log.Err(runErr).Msg("Worker spawn schedule aborted")
		p.killAll()
		p.postFork()
		return runErr
	}

	p.notify(NotifyPostFork)

	if !p.opts.WaitForAll {
		return nil
	}

	runErr = p.waitAll()
	p.killAll()
	p.postFork()
	return runErr
}

// ExitChild finishes a worker. With ok it publishes the completion flag
// first; with keepIdle it then stays alive until the supervisor is gone,
// preserving any shared resources the worker exposes. A failed worker exits
// immediately with a non-zero code and is classified as crashed by the
// supervisor. Never returns in a worker; a no-op in the supervisor.
func (p *Pool) ExitChild(ok bool, keepIdle bool) {
	if p.IsSupervisor() {
		Log.Err(ErrWrongRole).Msg("ExitChild called in the supervisor")
		return
	}

	flushOutput()

	if ok {
		atomic.StoreUint32(&p.done[p.childIndex], 1)

		if keepIdle {
			for isProcessAlive(p.parentPID) {
				time.Sleep(idlePollInterval)
			}

			Log.Info().
				Int("worker", p.childIndex).
				Int("parent_pid", p.parentPID).
				Msg("Exiting because the supervisor is no longer alive")
		}

		os.Exit(0)
	}

	Log.Err(fmt.Errorf("worker %d failed", p.childIndex)).Msg("Worker exiting with failure")
	os.Exit(1)
}

func (p *Pool) preFork(total int) error {
	p.children = make([]childRecord, total)
	for i := range p.children {
		p.children[i].status = childNotRunning
	}
	p.childIndex = -1
	p.parentPID = os.Getpid()
	p.runID = uuid.NewString()

	// With SIGCHLD ignored the kernel reaps exited workers itself, so the
	// completion fast path never needs waitpid and no zombies accumulate.
	signal.Ignore(unix.SIGCHLD)
	p.sigInstalled = true

	region, err := shm.Create("procpool-done", completionSlotSize*total)
	if err != nil {
		p.postFork()
		return NewSyscallError("create completion region", err)
	}

	p.region = region
	p.done = completionView(region, total)
	return nil
}

// postFork releases the process-wide state taken by preFork: the SIGCHLD
// disposition and the completion region. Runs on every exit path.
// signal.Reset returns SIGCHLD to its default handling; a disposition the
// process had before preFork is not restored.
func (p *Pool) postFork() {
	if p.sigInstalled {
		signal.Reset(unix.SIGCHLD)
		p.sigInstalled = false
	}

	if p.region != nil {
		if err := p.region.Close(); err != nil {
			Log.Err(err).Msg("Failed to release completion region")
		}
		p.region = nil
		p.done = nil
	}
}

func (p *Pool) spawn(index, total int) (int, error) {
	cmd := exec.Command(bin)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{p.region.File()}, p.extraFiles...)

	env := []string{
		fmt.Sprintf("%s=%d", WorkerIndexEnv, index),
		fmt.Sprintf("%s=%d", WorkerCountEnv, total),
		fmt.Sprintf("%s=%d", ParentPIDEnv, p.parentPID),
		fmt.Sprintf("%s=%s", RunIDEnv, p.runID),
	}
	env = append(env, p.extraEnv...)
	cmd.Env = append(env, os.Environ()...)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	// The worker is never waited on; completion arrives through the
	// shared array and the kernel reaps the process.
	cmd.Process.Release()

	return pid, nil
}

func (p *Pool) attachWorker() error {
	we, err := readWorkerEnv()
	if err != nil {
		return err
	}

	region, err := shm.Attach("procpool-done", os.NewFile(uintptr(completionFD), "procpool-done"))
	if err != nil {
		return NewSyscallError("attach completion region", err)
	}

	if region.Size() < completionSlotSize*we.count {
		region.Close()
		return fmt.Errorf("completion region is %d bytes, need %d", region.Size(), completionSlotSize*we.count)
	}

	p.children = nil
	p.childIndex = we.index
	p.parentPID = we.parentPID
	p.runID = we.runID
	p.region = region
	p.done = completionView(region, we.count)

	Log.Info().
		Int("worker", we.index).
		Str("run_id", we.runID).
		Msg("Worker attached")

	return nil
}

// waitForOne polls until some worker completes. It returns the index and
// pid of the completed worker with crashed set if the worker died without
// publishing its flag, or pid 0 once no worker is left running. Ties
// resolve by ascending worker index.
func (p *Pool) waitForOne() (index, pid int, crashed bool) {
	crashTimer := crashTestPasses

	for {
		haveRunning := false

		for i := range p.children {
			c := &p.children[i]
			if c.status != childRunning {
				continue
			}

			if atomic.LoadUint32(&p.done[i]) != 0 {
				// Completed. The process may have exited or may
				// still be idling; either way its task is done.
				c.status = childDone
				Log.Info().Int("worker", i).Int("worker_pid", c.pid).Msg("Worker complete")
				return i, c.pid, false
			}

			if crashTimer == 0 && !isProcessAlive(c.pid) {
				c.status = childDone
				Log.Err(CrashError{Index: i, Pid: c.pid}).Msg("Worker crashed")
				return i, c.pid, true
			}

			haveRunning = true
		}

		if !haveRunning {
			return 0, 0, false
		}

		if crashTimer == 0 {
			crashTimer = crashTestPasses
		}

		time.Sleep(pollInterval)
		crashTimer--
	}
}

func (p *Pool) waitAll() error {
	Log.Info().Msg("Waiting for workers to complete")

	for {
		idx, pid, crashed := p.waitForOne()
		if crashed {
			return CrashError{Index: idx, Pid: pid}
		}
		if pid == 0 {
			break
		}
	}

	Log.Info().Msg("All workers completed")
	p.notify(NotifyChildrenDone)
	return nil
}

// killAll force-terminates every worker that is still alive and waits for
// the processes to be gone.
func (p *Pool) killAll() {
	if len(p.children) == 0 {
		return
	}

	haveRunning := false
	for i := range p.children {
		c := &p.children[i]
		if c.status == childNotRunning {
			continue
		}

		if isProcessAlive(c.pid) {
			haveRunning = true
			Log.Info().Int("worker", i).Int("worker_pid", c.pid).Msg("Terminating worker")
			unix.Kill(c.pid, unix.SIGKILL)
		} else {
			c.status = childNotRunning
		}
	}

	if !haveRunning {
		return
	}

	for {
		haveRunning = false

		for i := range p.children {
			c := &p.children[i]
			if c.status == childNotRunning {
				continue
			}

			if isProcessAlive(c.pid) {
				haveRunning = true
			} else {
				c.status = childNotRunning
			}
		}

		if !haveRunning {
			return
		}

		time.Sleep(killPollInterval)
	}
}

func (p *Pool) notify(t NotifyType) {
	if p.opts.Notifier != nil {
		p.opts.Notifier.Notify(t)
	}
}

// Completion slots are full words rather than bytes so the worker's store
// and the supervisor's load can use sync/atomic, giving the release/acquire
// pairing the protocol requires.
const completionSlotSize = 4

func completionView(region *shm.Region, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&region.Bytes()[0])), n)
}

// isProcessAlive probes pid with the null signal. Existence plus
// signalability counts as alive; every failure counts as dead.
func isProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func flushOutput() {
	os.Stdout.Sync()
	os.Stderr.Sync()
}
