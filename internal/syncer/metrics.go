package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var projectSyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "depwatch",
	Subsystem: "orchestrator",
	Name:      "project_syncs_total",
	Help:      "Whole-project synchronizations completed.",
})
