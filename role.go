package procpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment protocol between the supervisor and its spawned workers. The
// worker is the same binary re-executed with these variables set and the
// shared regions inherited as open file descriptors.
const (
	WorkerIndexEnv = "PROCPOOL_WORKER_INDEX"
	WorkerCountEnv = "PROCPOOL_WORKER_COUNT"
	ParentPIDEnv   = "PROCPOOL_PARENT_PID"
	RunIDEnv       = "PROCPOOL_RUN_ID"

	// BinEnv overrides the binary spawned for workers; defaults to
	// os.Executable().
	BinEnv = "PROCPOOL_BIN"
)

// Inherited descriptor numbers in the worker process. Stdin/stdout/stderr
// are 0-2; extra files start at 3.
const (
	completionFD = 3
	queueFD      = 4
)

var bin, binErr = os.Executable()

func init() {
	if binErr != nil {
		panic(fmt.Sprintf("Could not find binary path %v", binErr))
	}

	binOverride := strings.TrimSpace(os.Getenv(BinEnv))
	if binOverride != "" {
		bin = binOverride
	}
}

// IsWorkerProcess reports whether the current process was spawned as a pool
// worker. It only inspects the environment, so it is safe to call before
// constructing a pool, typically as the first thing in main or TestMain.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerIndexEnv) != ""
}

// workerEnv is the role information a spawned worker recovers from its
// environment.
type workerEnv struct {
	index     int
	count     int
	parentPID int
	runID     string
}

func readWorkerEnv() (workerEnv, error) {
	var we workerEnv
	var err error

	we.index, err = strconv.Atoi(os.Getenv(WorkerIndexEnv))
	if err != nil {
		return we, fmt.Errorf("unable to parse %s: %v", WorkerIndexEnv, err)
	}

	we.count, err = strconv.Atoi(os.Getenv(WorkerCountEnv))
	if err != nil {
		return we, fmt.Errorf("unable to parse %s: %v", WorkerCountEnv, err)
	}

	we.parentPID, err = strconv.Atoi(os.Getenv(ParentPIDEnv))
	if err != nil {
		return we, fmt.Errorf("unable to parse %s: %v", ParentPIDEnv, err)
	}

	if we.index < 0 || we.index >= we.count {
		return we, fmt.Errorf("worker index %d out of range [0,%d)", we.index, we.count)
	}

	we.runID = os.Getenv(RunIDEnv)
	return we, nil
}
