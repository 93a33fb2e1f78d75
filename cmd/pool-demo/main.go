// pool-demo spawns a bounded pool of worker processes, each printing a few
// progress lines before reporting completion. Run with no arguments for 8
// workers throttled to 4 at a time.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/procpool/procpool"
	flag "github.com/spf13/pflag"
)

const (
	iterationsEnv = "POOL_DEMO_ITERATIONS"
	failWorkerEnv = "POOL_DEMO_FAIL_WORKER"
	keepIdleEnv   = "POOL_DEMO_KEEP_IDLE"
)

func main() {
	if procpool.IsWorkerProcess() {
		workerMain()
		return
	}

	workers := flag.Int("workers", 8, "number of worker processes")
	concurrency := flag.Int("concurrency", 4, "maximum concurrently running workers")
	iterations := flag.Int("iterations", 30, "work iterations per worker")
	failWorker := flag.Int("fail-worker", -1, "worker index that exits with failure")
	keepIdle := flag.Bool("keep-idle", false, "workers idle after completing until teardown")
	flag.Parse()

	// Workers are spawned without arguments; they pick their behavior up
	// from the inherited environment.
	os.Setenv(iterationsEnv, strconv.Itoa(*iterations))
	os.Setenv(failWorkerEnv, strconv.Itoa(*failWorker))
	os.Setenv(keepIdleEnv, strconv.FormatBool(*keepIdle))

	pool := procpool.New(procpool.DefaultOptions())

	if err := pool.Run(*workers, *concurrency); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Pool run failed")
	}

	fmt.Println("All workers completed")
}

func workerMain() {
	pool := procpool.New(procpool.DefaultOptions())
	if err := pool.Run(0, 0); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Worker failed to attach")
	}

	iterations, _ := strconv.Atoi(os.Getenv(iterationsEnv))
	failWorker, _ := strconv.Atoi(os.Getenv(failWorkerEnv))
	keepIdle, _ := strconv.ParseBool(os.Getenv(keepIdleEnv))

	rng := rand.New(rand.NewSource(int64(os.Getpid())))
	for i := 0; i < iterations; i++ {
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
		fmt.Printf("[%d][pid=%d] Do something... %d\n", pool.WorkerIndex(), os.Getpid(), i)
	}

	pool.ExitChild(pool.WorkerIndex() != failWorker, keepIdle)
}
