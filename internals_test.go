package procpool

// This file contains test helpers to access internal data that is not
// publicly exposed.

func RunningChildren(p *Pool) int {
	n := 0
	for i := range p.children {
		if p.children[i].status == childRunning {
			n++
		}
	}
	return n
}

func AliveChildren(p *Pool) int {
	n := 0
	for i := range p.children {
		if p.children[i].status != childNotRunning && isProcessAlive(p.children[i].pid) {
			n++
		}
	}
	return n
}

func ChildPids(p *Pool) []int {
	pids := make([]int, 0, len(p.children))
	for i := range p.children {
		if p.children[i].status != childNotRunning {
			pids = append(pids, p.children[i].pid)
		}
	}
	return pids
}

// SetWorkerRole fakes the post-spawn worker role for misuse tests.
func SetWorkerRole(p *Pool, index int) { p.childIndex = index }

func IsAlive(pid int) bool { return isProcessAlive(pid) }

func CreateRequestQueue[T any](q *Queue[T]) error { return q.createQueue() }
func ReleaseRequestQueue[T any](q *Queue[T])      { q.releaseQueue() }

func DetachRequest[T any](q *Queue[T]) (uint64, error) { return q.nextRequest() }
func FreeRequest[T any](q *Queue[T], node uint64)      { q.freeRequest(node) }
func RequestPayload[T any](q *Queue[T], node uint64) T { return *q.payload(node) }

func QueueFill[T any](q *Queue[T]) uint64 { return *q.ref(qFillOff) }
func QueueHead[T any](q *Queue[T]) uint64 { return *q.ref(qHeadOff) }
func QueueTail[T any](q *Queue[T]) uint64 { return *q.ref(qTailOff) }
func QueueFree[T any](q *Queue[T]) uint64 { return *q.ref(qFreeOff) }
func NodeSize[T any](q *Queue[T]) uint64  { return q.nodeSize }
