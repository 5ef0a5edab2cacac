package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var missedScheduleTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "depwatch",
	Subsystem: "orchestrator",
	Name:      "missed_schedule_triggers_total",
	Help:      "Update runs fired because a scheduled occurrence was missed.",
})
