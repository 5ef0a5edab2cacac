package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depwatch",
		Subsystem: "orchestrator",
		Name:      "update_jobs_created_total",
		Help:      "Update jobs created, by trigger reason.",
	}, []string{"trigger"})

	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depwatch",
		Subsystem: "orchestrator",
		Name:      "update_jobs_finished_total",
		Help:      "Update jobs reaching a terminal status.",
	}, []string{"status"})
)
