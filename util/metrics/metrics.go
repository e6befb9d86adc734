package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal tracks command executions with labels for group, command, and status
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_commands_total",
			Help: "Total number of command executions",
		},
		[]string{"group", "command", "status"},
	)

	// CommandDuration tracks the duration of command handler executions in seconds
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrangler_command_duration_seconds",
			Help:    "Duration of command handler executions in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"command", "status"},
	)

	// CommandsRejectedTotal tracks commands rejected by the per-group worker limit
	CommandsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_commands_rejected_total",
			Help: "Total number of commands rejected because the group worker limit was reached",
		},
		[]string{"group"},
	)

	// AuthFailuresTotal tracks silently dropped requests that failed authentication
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_auth_failures_total",
			Help: "Total number of requests dropped due to failed group authentication",
		},
		[]string{"group"},
	)

	// NotificationsEmittedTotal tracks notification emissions by type
	NotificationsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_notifications_emitted_total",
			Help: "Total number of notification events emitted by type",
		},
		[]string{"type"},
	)

	// EnvelopesDroppedTotal tracks delivery envelopes lost to queue saturation
	EnvelopesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_envelopes_dropped_total",
			Help: "Total number of delivery envelopes dropped or evicted due to full queues",
		},
		[]string{"transport"},
	)

	// QueueDepth tracks the current depth of each delivery queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrangler_queue_depth",
			Help: "Current number of envelopes waiting in each delivery queue",
		},
		[]string{"transport"},
	)

	// HordeReplicationsTotal tracks cache replication attempts to horde peers
	HordeReplicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_horde_replications_total",
			Help: "Total number of cache delta replications sent to horde peers",
		},
		[]string{"peer", "category", "status"},
	)

	// HordePeerSelectionsTotal tracks peer selections made by the command balancer
	HordePeerSelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_horde_peer_selections_total",
			Help: "Total number of times each peer was selected for remote command execution",
		},
		[]string{"peer", "strategy"},
	)

	// GateOverflowsTotal tracks tasks admitted above a category's intended concurrency bound
	GateOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_gate_overflows_total",
			Help: "Total number of tasks started above their category's intended concurrency bound",
		},
		[]string{"category"},
	)

	// JobTicksSkippedTotal tracks periodic-job ticks skipped because the previous run was still going
	JobTicksSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_job_ticks_skipped_total",
			Help: "Total number of periodic job ticks skipped due to an overlapping run",
		},
		[]string{"job"},
	)

	// GateExpiredTotal tracks keyed tasks discarded because their TTL elapsed before start
	GateExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangler_gate_expired_total",
			Help: "Total number of queued tasks discarded because they did not start within their TTL",
		},
		[]string{"category"},
	)
)

// RecordCommand increments the command counter for a given group, command, and status
func RecordCommand(group, command, status string) {
	CommandsTotal.WithLabelValues(group, command, status).Inc()
}

// RecordCommandDuration records the duration of a command handler execution in seconds
func RecordCommandDuration(command, status string, seconds float64) {
	CommandDuration.WithLabelValues(command, status).Observe(seconds)
}

// RecordCommandRejected increments the worker-limit rejection counter for a group
func RecordCommandRejected(group string) {
	CommandsRejectedTotal.WithLabelValues(group).Inc()
}

// RecordAuthFailure increments the dropped-authentication counter for a group
func RecordAuthFailure(group string) {
	AuthFailuresTotal.WithLabelValues(group).Inc()
}

// RecordNotificationEmitted increments the emission counter for a notification type
func RecordNotificationEmitted(notificationType string) {
	NotificationsEmittedTotal.WithLabelValues(notificationType).Inc()
}

// RecordEnvelopeDropped increments the dropped-envelope counter for a transport
func RecordEnvelopeDropped(transport string) {
	EnvelopesDroppedTotal.WithLabelValues(transport).Inc()
}

// SetQueueDepth sets the current depth gauge for a transport queue
func SetQueueDepth(transport string, depth float64) {
	QueueDepth.WithLabelValues(transport).Set(depth)
}

// RecordHordeReplication increments the replication counter for a peer and category
func RecordHordeReplication(peer, category, status string) {
	HordeReplicationsTotal.WithLabelValues(peer, category, status).Inc()
}

// RecordHordePeerSelection increments the selection counter for a peer and strategy
func RecordHordePeerSelection(peer, strategy string) {
	HordePeerSelectionsTotal.WithLabelValues(peer, strategy).Inc()
}

// RecordGateOverflow increments the overflow counter for a gate category
func RecordGateOverflow(category string) {
	GateOverflowsTotal.WithLabelValues(category).Inc()
}

// RecordGateExpired increments the expired-task counter for a gate category
func RecordGateExpired(category string) {
	GateExpiredTotal.WithLabelValues(category).Inc()
}

// RecordJobTickSkipped increments the skipped-tick counter for a periodic job
func RecordJobTickSkipped(job string) {
	JobTicksSkippedTotal.WithLabelValues(job).Inc()
}
