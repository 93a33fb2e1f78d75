// queue-demo feeds a stream of numbered requests to a persistent pool of
// worker processes through the shared-memory queue, waits for the queue to
// drain, posts a second batch to exercise node reuse, and tears the pool
// down. An optional prometheus endpoint exposes pool metrics.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/procpool/procpool"
	"github.com/procpool/procpool/metrics/prometheus"
	flag "github.com/spf13/pflag"
)

type request struct {
	Number int64
}

func main() {
	if procpool.IsWorkerProcess() {
		workerMain()
		return
	}

	workers := flag.Int("workers", 8, "number of worker processes")
	requests := flag.Int("requests", 1000, "requests in the first batch")
	capacity := flag.Int("capacity", 100000, "maximum queued requests")
	metricsPort := flag.Int("metrics-port", 0, "expose /metrics on this port (0 disables)")
	flag.Parse()

	opts := procpool.DefaultQueueOptions().SetMaxRequests(*capacity)
	if *metricsPort > 0 {
		opts = opts.SetNotifier(prometheus.NewNotifier())
		go prometheus.Serve(prometheus.DefaultOptions().SetPort(*metricsPort))
	}

	q := procpool.NewQueue[request](opts)

	if err := q.Run(*workers, handleRequest); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Queue run failed")
	}

	for i := 0; i < *requests; i++ {
		if err := q.Post(request{Number: int64(i)}); err != nil {
			procpool.Log.Err(err).Int("request", i).Msg("Post failed")
		}
	}

	if err := q.WaitForCompletion(); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Drain failed")
	}
	fmt.Println("First batch drained")

	// A second round reuses freed nodes instead of growing the arena.
	for i := 0; i < *requests/2; i++ {
		if err := q.Post(request{Number: int64(i)}); err != nil {
			procpool.Log.Err(err).Int("request", i).Msg("Post failed")
		}
	}

	if err := q.WaitForCompletion(); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Drain failed")
	}
	fmt.Println("Second batch drained")

	if err := q.Destroy(); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Destroy failed")
	}
}

func workerMain() {
	q := procpool.NewQueue[request](procpool.DefaultQueueOptions())
	if err := q.Run(0, handleRequest); err != nil {
		procpool.Log.Fatal().Err(err).Msg("Worker failed to attach")
	}
}

func handleRequest(r *request) {
	time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	fmt.Printf("[pid=%d] Got request: %d\n", os.Getpid(), r.Number)
}
