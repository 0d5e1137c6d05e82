// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_verifications_total",
			Help: "Total number of verification (role sync) operations by outcome",
		},
		[]string{"outcome"},
	)

	RolesGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_roles_granted_total",
			Help: "Total number of roles granted by the synchronizer",
		},
	)

	RolesRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_roles_revoked_total",
			Help: "Total number of roles revoked by the expiry reconciler",
		},
	)

	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconciler_sweeps_total",
			Help: "Total number of reconciliation sweeps by result",
		},
		[]string{"result"},
	)

	ExpiredGrantsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_expired_grants_processed_total",
			Help: "Expired grants processed during sweeps by result",
		},
		[]string{"result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "bot_reconciler_sweep_duration_seconds",
			Help: "Duration of reconciliation sweeps in seconds",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_notifications_sent_total",
			Help: "Expiry notifications sent by channel and result",
		},
		[]string{"channel", "result"},
	)

	InteractionsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_interactions_handled_total",
			Help: "Discord interactions handled by command",
		},
		[]string{"command"},
	)
)
