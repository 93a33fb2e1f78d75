package procpool

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/procpool/procpool/shm"
)

const (
	consumePollInterval = 10 * time.Millisecond
	drainPollInterval   = 10 * time.Millisecond

	// crashScanInterval throttles the liveness scan done on the producer
	// side of the queue.
	crashScanInterval = time.Second
)

// Request queue header layout inside the shared region. All references to
// nodes are byte offsets from the start of the region; the region maps at a
// different base address in every process, so raw pointers never cross the
// boundary. Offset 0 holds the header, which makes 0 the nil reference.
const (
	qLockOff = 0  // uint32, spinlock word
	qStopOff = 4  // uint32, graceful-stop flag
	qFillOff = 8  // uint64, next unallocated arena offset
	qHeadOff = 16 // uint64, first queued node
	qTailOff = 24 // uint64, last queued node
	qFreeOff = 32 // uint64, freelist head

	queueHeaderSize = 64

	nodeNextSize = 8 // uint64 next reference, payload follows
)

// Queue feeds fixed-size work items from a supervisor to a persistent pool
// of worker processes through shared memory.
//
// T is copied by value into the shared region, so it must be self-contained
// with respect to its storage: no pointers, slices, maps, strings, or
// channels, since their referents are not part of the region and are
// meaningless in another process.
type Queue[T any] struct {
	pool *Pool
	opts QueueOptions

	region   *shm.Region
	data     []byte
	size     uint64
	nodeSize uint64

	lock spinLock

	lastCrashScan time.Time
}

type QueueOptions struct {
	// MaxRequests sizes the arena for the worst case where every posted
	// request is still waiting to be processed.
	MaxRequests int

	// LockWait is the wall-clock budget for acquiring the queue lock.
	LockWait time.Duration

	// Notifier receives pool lifecycle and worker-crash notifications.
	// May be nil.
	Notifier Notifier
}

func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		MaxRequests: 1000000,
		LockWait:    DefaultLockWait,
	}
}

func (o QueueOptions) SetMaxRequests(n int) QueueOptions {
	o.MaxRequests = n
	return o
}

func (o QueueOptions) SetLockWait(d time.Duration) QueueOptions {
	o.LockWait = d
	return o
}

func (o QueueOptions) SetNotifier(n Notifier) QueueOptions {
	o.Notifier = n
	return o
}

func NewQueue[T any](opts QueueOptions) *Queue[T] {
	if opts.MaxRequests < 1 {
		opts.MaxRequests = DefaultQueueOptions().MaxRequests
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}

	var zero T
	itemSize := uint64(unsafe.Sizeof(zero))

	return &Queue[T]{
		pool:     New(DefaultOptions().SetWaitForAll(false).SetNotifier(opts.Notifier)),
		opts:     opts,
		nodeSize: align8(nodeNextSize + itemSize),
	}
}

// Pool exposes the underlying process pool, mainly for role queries.
func (q *Queue[T]) Pool() *Pool { return q.pool }

// Run creates the request queue and spawns workers consuming it.
//
// In the supervisor Run returns once all workers are spawned; requests are
// then submitted with Post. In a worker process Run attaches the inherited
// queue and loops over it, invoking fn for each dequeued item until Destroy
// raises the stop flag; it never returns there.
func (q *Queue[T]) Run(workers int, fn func(*T)) error {
	if IsWorkerProcess() {
		return q.runWorker(fn)
	}

	if fn == nil {
		return fmt.Errorf("queue worker function must not be nil")
	}

	if err := q.createQueue(); err != nil {
		return err
	}

	q.pool.extraFiles = []*os.File{q.region.File()}

	if err := q.pool.Run(workers, workers); err != nil {
		q.releaseQueue()
		return err
	}

	q.lastCrashScan = time.Now()
	return nil
}

// Post appends one request. Supervisor side only. Fails with ErrQueueFull
// once both the freelist and the arena are exhausted, and with
// ErrLockTimeout if the queue lock cannot be taken; neither failure mutates
// the queue.
func (q *Queue[T]) Post(item T) error {
	if q.pool.IsWorker() {
		Log.Err(ErrWrongRole).Msg("Post called in a worker")
		return ErrWrongRole
	}
	if q.data == nil {
		return ErrNotRunning
	}

	q.scanForCrashedWorkers()

	if !q.lock.acquire(q.opts.LockWait) {
		Log.Err(ErrLockTimeout).Msg("Failed to obtain request queue lock")
		return ErrLockTimeout
	}
	defer q.lock.release()

	// Reuse a freed node if there is one, otherwise carve a new node out
	// of the arena.
	node := *q.ref(qFreeOff)
	if node != 0 {
		*q.ref(qFreeOff) = *q.next(node)
	} else {
		fill := *q.ref(qFillOff)
		if q.size-fill < q.nodeSize {
			Log.Err(ErrQueueFull).Msg("Request queue is out of memory")
			return ErrQueueFull
		}

		node = fill
		*q.ref(qFillOff) = fill + q.nodeSize
	}

	*q.payload(node) = item
	*q.next(node) = 0

	tail := *q.ref(qTailOff)
	if tail == 0 {
		*q.ref(qHeadOff) = node
	} else {
		*q.next(tail) = node
	}
	*q.ref(qTailOff) = node

	return nil
}

// WaitForCompletion blocks until the queue is empty. Emptiness means every
// request has been detached by some worker; the last handful may still be
// executing when it returns.
func (q *Queue[T]) WaitForCompletion() error {
	if q.pool.IsWorker() {
		Log.Err(ErrWrongRole).Msg("WaitForCompletion called in a worker")
		return ErrWrongRole
	}
	if q.data == nil {
		return ErrNotRunning
	}

	for {
		q.scanForCrashedWorkers()

		if !q.lock.acquire(q.opts.LockWait) {
			Log.Err(ErrLockTimeout).Msg("Failed to obtain request queue lock")
			return ErrLockTimeout
		}
		empty := *q.ref(qHeadOff) == 0
		q.lock.release()

		if empty {
			return nil
		}

		time.Sleep(drainPollInterval)
	}
}

// Destroy raises the stop flag, drains the workers, and releases the queue.
// Destroying an already-destroyed queue is a no-op.
func (q *Queue[T]) Destroy() error {
	if q.pool.IsWorker() {
		Log.Err(ErrWrongRole).Msg("Destroy called in a worker")
		return ErrWrongRole
	}
	if q.region == nil {
		return nil
	}

	atomic.StoreUint32(q.u32(qStopOff), 1)

	if err := q.pool.waitAll(); err != nil {
		Log.Err(err).Msg("Worker crashed during queue shutdown")
	}

	q.pool.killAll()
	q.pool.postFork()
	q.releaseQueue()

	return nil
}

func (q *Queue[T]) runWorker(fn func(*T)) error {
	if fn == nil {
		return fmt.Errorf("queue worker function must not be nil")
	}

	if err := q.pool.Run(0, 0); err != nil {
		return err
	}

	region, err := shm.Attach("procpool-queue", os.NewFile(uintptr(queueFD), "procpool-queue"))
	if err != nil {
		return NewSyscallError("attach request queue", err)
	}
	q.attach(region)

	for atomic.LoadUint32(q.u32(qStopOff)) == 0 {
		node, err := q.nextRequest()
		if err != nil {
			// Lock timeout. The supervisor may be gone with the lock
			// held; the stop check above decides whether to keep
			// trying.
			Log.Err(err).Int("worker", q.pool.WorkerIndex()).Msg("Failed to dequeue request")
			continue
		}

		if node == 0 {
			time.Sleep(consumePollInterval)
			continue
		}

		fn(q.payload(node))
		q.freeRequest(node)
	}

	q.pool.ExitChild(true, false)
	return nil
}

// nextRequest detaches the head request. Returns 0 with a nil error when
// the queue is empty.
func (q *Queue[T]) nextRequest() (uint64, error) {
	if !q.lock.acquire(q.opts.LockWait) {
		return 0, ErrLockTimeout
	}
	defer q.lock.release()

	node := *q.ref(qHeadOff)
	if node != 0 {
		*q.ref(qHeadOff) = *q.next(node)
		if *q.ref(qHeadOff) == 0 {
			*q.ref(qTailOff) = 0
		}
	}

	return node, nil
}

// freeRequest pushes a processed node onto the freelist. Nodes are never
// handed back to the arena: offsets must stay stable for the node's
// lifetime, so the arena only grows and the freelist absorbs the churn.
func (q *Queue[T]) freeRequest(node uint64) {
	if node == 0 {
		return
	}

	if !q.lock.acquire(q.opts.LockWait) {
		Log.Err(ErrLockTimeout).Msg("Failed to obtain request queue lock, leaking a node")
		return
	}
	defer q.lock.release()

	*q.next(node) = *q.ref(qFreeOff)
	*q.ref(qFreeOff) = node
}

func (q *Queue[T]) createQueue() error {
	if q.region != nil {
		// Creating the queue again without a Destroy in between
		// discards the previous region and starts from scratch.
		q.releaseQueue()
	}

	size := queueHeaderSize + q.nodeSize*uint64(q.opts.MaxRequests)

	region, err := shm.Create("procpool-queue", int(size))
	if err != nil {
		return NewSyscallError("create request queue region", err)
	}

	q.attach(region)
	*q.ref(qFillOff) = queueHeaderSize

	return nil
}

func (q *Queue[T]) attach(region *shm.Region) {
	q.region = region
	q.data = region.Bytes()
	q.size = uint64(region.Size())
	q.lock = spinLock{word: q.u32(qLockOff), rng: newXorshift()}
}

func (q *Queue[T]) releaseQueue() {
	if q.region == nil {
		return
	}

	if err := q.region.Close(); err != nil {
		Log.Err(err).Msg("Failed to release request queue region")
	}

	q.region = nil
	q.data = nil
	q.size = 0
	q.lock = spinLock{}
}

// scanForCrashedWorkers probes worker liveness at most once per
// crashScanInterval. A dead worker is reported and marked done; the queue
// keeps running with the remaining workers, and the caller can observe the
// event through the notifier hook.
func (q *Queue[T]) scanForCrashedWorkers() {
	if time.Since(q.lastCrashScan) < crashScanInterval {
		return
	}
	q.lastCrashScan = time.Now()

	for i := range q.pool.children {
		c := &q.pool.children[i]
		if c.status != childRunning {
			continue
		}

		if isProcessAlive(c.pid) {
			continue
		}

		c.status = childDone
		Log.Err(CrashError{Index: i, Pid: c.pid}).Msg("Queue worker crashed, continuing with remaining workers")
		q.pool.notify(NotifyWorkerCrashed)
	}
}

func (q *Queue[T]) u32(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.data[off]))
}

// ref reads a node reference field of the header.
func (q *Queue[T]) ref(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[off]))
}

// next addresses the next-reference of a node.
func (q *Queue[T]) next(node uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[node]))
}

func (q *Queue[T]) payload(node uint64) *T {
	return (*T)(unsafe.Pointer(&q.data[node+nodeNextSize]))
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
