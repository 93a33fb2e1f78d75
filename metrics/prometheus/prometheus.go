// Package prometheus exports pool lifecycle metrics through the procpool
// notification hook.
package prometheus

import (
	"fmt"
	"net/http"

	"github.com/procpool/procpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	poolRunsTotal       = "pool_runs_total"
	spawnedWorkersTotal = "spawned_workers_total"
	completedRunsTotal  = "completed_runs_total"
	crashedWorkersTotal = "crashed_workers_total"
)

var collectors = []prometheus.Collector{
	poolRuns,
	spawnedWorkers,
	completedRuns,
	crashedWorkers,
}

var (
	poolRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: poolRunsTotal,
			Help: "Number of pool runs started.",
		},
	)

	spawnedWorkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: spawnedWorkersTotal,
			Help: "Number of worker processes spawned.",
		},
	)

	completedRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: completedRunsTotal,
			Help: "Number of runs in which every worker completed.",
		},
	)

	crashedWorkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: crashedWorkersTotal,
			Help: "Number of queue workers observed crashed.",
		},
	)
)

type Options struct {
	Bind string
	Port int
}

func DefaultOptions() Options {
	return Options{
		Port: 8080,
	}
}

func (o Options) SetBind(bind string) Options {
	o.Bind = bind
	return o
}

func (o Options) SetPort(port int) Options {
	o.Port = port
	return o
}

func (o Options) ListeningString() string {
	return fmt.Sprintf("%s:%d", o.Bind, o.Port)
}

func init() {
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}
}

// Notifier counts pool lifecycle events. Pass it to the pool or queue
// options:
//
//	pool := procpool.New(procpool.DefaultOptions().
//		SetNotifier(prometheus.NewNotifier()))
type Notifier struct{}

func NewNotifier() Notifier {
	return Notifier{}
}

func (Notifier) Notify(t procpool.NotifyType) {
	switch t {
	case procpool.NotifyPreFork:
		poolRuns.Inc()
	case procpool.NotifyChildFork:
		spawnedWorkers.Inc()
	case procpool.NotifyChildrenDone:
		completedRuns.Inc()
	case procpool.NotifyWorkerCrashed:
		crashedWorkers.Inc()
	}
}

// Serve exposes the collected metrics at /metrics. It blocks, so it is
// meant for a dedicated goroutine of a supervisor program. Workers spawned
// by the pool inherit the environment but not this server.
func Serve(opts Options) {
	http.Handle("/metrics", promhttp.Handler())

	procpool.Log.Fatal().Err(http.ListenAndServe(opts.ListeningString(), nil)).Msg("Metrics server stopped")
}
