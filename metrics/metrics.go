// Package metrics exposes Prometheus counters for the automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts terminal job outcomes by result (completed/failed).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "dispatcher",
		Name:      "jobs_processed_total",
		Help:      "Jobs driven to a terminal state, by result.",
	}, []string{"result"})

	// JobsSkipped counts jobs skipped before execution, by reason
	// (lost_claim when another dispatcher won the markRunning race,
	// duplicate when enqueue was suppressed).
	JobsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "dispatcher",
		Name:      "jobs_skipped_total",
		Help:      "Jobs skipped before execution, by reason.",
	}, []string{"reason"})

	// TickErrors counts dispatcher ticks that failed to fetch work.
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "dispatcher",
		Name:      "tick_errors_total",
		Help:      "Dispatcher ticks that failed before processing jobs.",
	})

	// RemindersSent counts reminder sends by kind and delivery method.
	RemindersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "sweep",
		Name:      "reminders_sent_total",
		Help:      "Reminders sent by sweep schedules, by kind and method.",
	}, []string{"kind", "method"})

	// ReminderFailures counts per-entity sweep failures; the entity is
	// retried on the next sweep tick.
	ReminderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "sweep",
		Name:      "reminder_failures_total",
		Help:      "Per-entity reminder send failures, by kind.",
	}, []string{"kind"})

	// RemindersMissed counts reminders whose window fully passed with the
	// sent-flag still unset. Loss past the window is accepted but must be
	// observable.
	RemindersMissed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "sweep",
		Name:      "reminders_missed_total",
		Help:      "Reminders abandoned because the window passed unsent, by kind.",
	}, []string{"kind"})

	// NotificationsDeduped counts follow-ups suppressed by the dedup guard.
	NotificationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drip",
		Subsystem: "notify",
		Name:      "deduped_total",
		Help:      "Notifications suppressed as duplicates inside the dedup window.",
	})
)
