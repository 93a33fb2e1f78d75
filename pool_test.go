package procpool_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/procpool/procpool"
	"github.com/procpool/procpool/mock"
)

// Pool tests spawn real worker processes: the test binary re-executes
// itself, TestMain routes the worker processes into workerMain, and the
// behavior under test is selected through the environment the workers
// inherit.
const (
	behaviorEnv = "POOLTEST_BEHAVIOR"
	outFileEnv  = "POOLTEST_OUT"
	gateFileEnv = "POOLTEST_GATE"
)

func TestMain(m *testing.M) {
	if procpool.IsWorkerProcess() {
		workerMain()
		panic("worker main returned")
	}

	os.Exit(m.Run())
}

func workerMain() {
	behavior := os.Getenv(behaviorEnv)

	switch behavior {
	case "queue-drain", "queue-block":
		queueWorkerMain(behavior)
		return
	}

	pool := procpool.New(procpool.DefaultOptions())
	if err := pool.Run(0, 0); err != nil {
		os.Exit(1)
	}

	switch behavior {
	case "fast":
		appendLine(fmt.Sprintf("%d", pool.WorkerIndex()))
		pool.ExitChild(true, false)
	case "sleep":
		time.Sleep(50 * time.Millisecond)
		pool.ExitChild(true, false)
	case "fail-two":
		if pool.WorkerIndex() == 2 {
			time.Sleep(10 * time.Millisecond)
			pool.ExitChild(false, false)
		}

		// Siblings take long enough that only a force kill can
		// reclaim them promptly.
		time.Sleep(2 * time.Second)
		appendLine(fmt.Sprintf("%d", pool.WorkerIndex()))
		pool.ExitChild(true, false)
	case "keep-idle":
		pool.ExitChild(true, pool.WorkerIndex() == 0)
	}

	os.Exit(1)
}

func appendLine(line string) {
	f, err := os.OpenFile(os.Getenv(outFileEnv), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		os.Exit(1)
	}
	defer f.Close()

	fmt.Fprintln(f, line)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}

	return strings.Fields(strings.TrimSpace(string(data)))
}

type countingNotifier struct {
	counts     map[procpool.NotifyType]int
	maxRunning int
	pool       *procpool.Pool
}

func (n *countingNotifier) Notify(t procpool.NotifyType) {
	n.counts[t]++

	if t == procpool.NotifyChildFork && n.pool != nil {
		if running := procpool.RunningChildren(n.pool); running > n.maxRunning {
			n.maxRunning = running
		}
	}
}

func TestPoolFast(t *testing.T) {
	mock.TestLog.Reset()

	out := filepath.Join(t.TempDir(), "out")
	t.Setenv(behaviorEnv, "fast")
	t.Setenv(outFileEnv, out)

	notifier := &countingNotifier{counts: map[procpool.NotifyType]int{}}
	pool := procpool.New(procpool.DefaultOptions().SetNotifier(notifier))
	notifier.pool = pool

	if err := pool.Run(4, 4); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !pool.IsSupervisor() {
		t.Fatal("test process must hold the supervisor role")
	}

	seen := map[string]int{}
	for _, l := range readLines(t, out) {
		seen[l]++
	}
	for i := 0; i < 4; i++ {
		if seen[fmt.Sprint(i)] != 1 {
			t.Fatalf("worker %d reported %d times, want 1 (saw %v)", i, seen[fmt.Sprint(i)], seen)
		}
	}

	if alive := procpool.AliveChildren(pool); alive != 0 {
		t.Fatalf("%d workers still alive after run", alive)
	}

	want := map[procpool.NotifyType]int{
		procpool.NotifyPreFork:      1,
		procpool.NotifyChildFork:    4,
		procpool.NotifyPostFork:     1,
		procpool.NotifyChildrenDone: 1,
	}
	for k, v := range want {
		if notifier.counts[k] != v {
			t.Fatalf("notification %v fired %d times, want %d", k, notifier.counts[k], v)
		}
	}
}

func TestPoolThrottled(t *testing.T) {
	mock.TestLog.Reset()

	t.Setenv(behaviorEnv, "sleep")

	notifier := &countingNotifier{counts: map[procpool.NotifyType]int{}}
	pool := procpool.New(procpool.DefaultOptions().SetNotifier(notifier))
	notifier.pool = pool

	if err := pool.Run(8, 4); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if notifier.counts[procpool.NotifyChildFork] != 8 {
		t.Fatalf("spawned %d workers, want 8", notifier.counts[procpool.NotifyChildFork])
	}

	if notifier.maxRunning > 4 {
		t.Fatalf("observed %d workers running at once, cap is 4", notifier.maxRunning)
	}
}

func TestPoolCrashedWorker(t *testing.T) {
	mock.TestLog.Reset()

	out := filepath.Join(t.TempDir(), "out")
	t.Setenv(behaviorEnv, "fail-two")
	t.Setenv(outFileEnv, out)

	pool := procpool.New(procpool.DefaultOptions())

	start := time.Now()
	err := pool.Run(4, 4)
	elapsed := time.Since(start)

	var crash procpool.CrashError
	if !errors.As(err, &crash) {
		t.Fatalf("expected CrashError, got %v", err)
	}
	if crash.Index != 2 {
		t.Fatalf("crashed worker index %d, want 2", crash.Index)
	}

	// The siblings sleep 2s; the pool must have killed them well before
	// they would have finished naturally.
	if elapsed >= 1500*time.Millisecond {
		t.Fatalf("run took %v, siblings were not reclaimed promptly", elapsed)
	}
	if lines := readLines(t, out); len(lines) != 0 {
		t.Fatalf("killed workers still reported completions: %v", lines)
	}

	if alive := procpool.AliveChildren(pool); alive != 0 {
		t.Fatalf("%d workers still alive after run", alive)
	}
}

func TestPoolKeepIdle(t *testing.T) {
	mock.TestLog.Reset()

	t.Setenv(behaviorEnv, "keep-idle")

	pool := procpool.New(procpool.DefaultOptions())

	start := time.Now()
	if err := pool.Run(2, 2); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The idle worker only reported through its completion flag; had the
	// supervisor waited for process exit this would have hung.
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("run took %v", elapsed)
	}

	if alive := procpool.AliveChildren(pool); alive != 0 {
		t.Fatalf("%d workers still alive after teardown", alive)
	}
}

func TestPoolReuse(t *testing.T) {
	mock.TestLog.Reset()

	out := filepath.Join(t.TempDir(), "out")
	t.Setenv(behaviorEnv, "fast")
	t.Setenv(outFileEnv, out)

	pool := procpool.New(procpool.DefaultOptions())

	for run := 0; run < 2; run++ {
		if err := pool.Run(4, 4); err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
	}

	seen := map[string]int{}
	for _, l := range readLines(t, out) {
		seen[l]++
	}
	for i := 0; i < 4; i++ {
		if seen[fmt.Sprint(i)] != 2 {
			t.Fatalf("worker %d reported %d times across two runs, want 2", i, seen[fmt.Sprint(i)])
		}
	}
}

func TestPoolSingleWorker(t *testing.T) {
	mock.TestLog.Reset()

	out := filepath.Join(t.TempDir(), "out")
	t.Setenv(behaviorEnv, "fast")
	t.Setenv(outFileEnv, out)

	pool := procpool.New(procpool.DefaultOptions())

	if err := pool.Run(1, 1); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if lines := readLines(t, out); len(lines) != 1 || lines[0] != "0" {
		t.Fatalf("expected a single completion from worker 0, got %v", lines)
	}
}

func TestPoolClampsConcurrency(t *testing.T) {
	mock.TestLog.Reset()

	out := filepath.Join(t.TempDir(), "out")
	t.Setenv(behaviorEnv, "fast")
	t.Setenv(outFileEnv, out)

	pool := procpool.New(procpool.DefaultOptions())

	if err := pool.Run(2, 99); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if lines := readLines(t, out); len(lines) != 2 {
		t.Fatalf("expected exactly 2 completions, got %v", lines)
	}
}

func TestPoolRejectsInvalidTotal(t *testing.T) {
	mock.TestLog.Reset()

	pool := procpool.New(procpool.DefaultOptions())

	if err := pool.Run(0, 1); err == nil {
		t.Fatal("expected an error for a zero-worker pool")
	}
}

func TestExitChildInSupervisor(t *testing.T) {
	mock.TestLog.Reset()

	pool := procpool.New(procpool.DefaultOptions())

	// Must be a no-op; reaching the next line proves no exit happened.
	pool.ExitChild(true, false)

	if _, ok := mock.TestLog.EventByMessage("ExitChild called in the supervisor"); !ok {
		t.Fatal("expected a role misuse event")
	}
}
