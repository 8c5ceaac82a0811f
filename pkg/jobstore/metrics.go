package jobstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_job_checkpoints_total",
		Help: "Job record writes by resulting status",
	}, []string{"status"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archiver_jobstore_errors_total",
		Help: "Job store operation failures by backend and operation",
	}, []string{"backend", "operation"})
)

// observe counts a write outcome and passes err through.
func observe(backend, operation string, status Status, err error) error {
	if err != nil {
		storeErrors.WithLabelValues(backend, operation).Inc()
		return err
	}
	if status != "" {
		checkpointsTotal.WithLabelValues(string(status)).Inc()
	}
	return nil
}
