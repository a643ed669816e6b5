// Package metrics exposes prometheus instrumentation for runs, broker
// consumption, and the fleet supervisor.
package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/testfleet/testfleet/types"
)

const (
	MetricsNamespace = "testfleet"
)

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cases_total",
		Help:      "Count of executed test cases by outcome",
	}, []string{
		"run_id",
		"status",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Final outcome of a run",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of a run",
	}, []string{
		"run_id",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "broker_messages_total",
		Help:      "Count of broker messages by disposition",
	}, []string{
		"queue",
		"disposition",
	})

	workerRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "worker_recoveries_total",
		Help:      "Count of fleet worker restarts",
	}, []string{
		"bench",
		"worker",
	})

	benchState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "bench_state",
		Help:      "Observed bench state, one series set to 1 per bench",
	}, []string{
		"bench",
		"state",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label and cleans it
// into a valid Prometheus label.
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(fmt.Sprintf("%s.%s", label, errToLabel(err)))
}

// RecordRun publishes the aggregate outcome of one finished run.
func RecordRun(runID string, result string, stats types.Stats, duration time.Duration) {
	runResults.WithLabelValues(runID, result).Set(1)
	for _, st := range types.AllStatuses {
		if n := stats.Count(st); n > 0 {
			casesTotal.WithLabelValues(runID, st.String()).Add(float64(n))
		}
	}
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

// RecordMessage counts one settled broker message. disposition is one of
// ack, reject, requeue.
func RecordMessage(queue, disposition string) {
	messagesTotal.WithLabelValues(queue, disposition).Inc()
}

// RecordWorkerRecovery counts one supervisory worker restart.
func RecordWorkerRecovery(bench, worker string) {
	workerRecoveries.WithLabelValues(bench, worker).Inc()
}

// RecordBenchState publishes the observed state of a bench, clearing the
// other state series so exactly one is set.
func RecordBenchState(bench string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		benchState.WithLabelValues(bench, s).Set(v)
	}
}
