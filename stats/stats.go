// Package stats exposes the client's operational counters on the default
// Prometheus registry. The counters are process-wide; per-client dimensions
// come from the client id label.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_subscriptions_established_total",
		Help: "Completed subscribe handshakes.",
	}, []string{"client"})

	subscriptionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_subscriptions_terminated_total",
		Help: "Subscription terminations, by whether a retry follows.",
	}, []string{"client", "will_retry"})

	notificationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_notifications_processed_total",
		Help: "Notification requests fully applied to the sink catalog.",
	}, []string{"client"})

	updateRequestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_update_requests_sent_total",
		Help: "Update requests sent, by whether the request was partial.",
	}, []string{"client", "partial"})

	updatePathsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_update_paths_completed_total",
		Help: "Per-path update completions surfaced to the application.",
	}, []string{"client"})

	resubscribeHoldoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdm_client_resubscribe_holdoffs_total",
		Help: "Entries into the resubscribe holdoff state.",
	}, []string{"client"})
)

func clientLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// SubscriptionEstablished counts a completed handshake.
func SubscriptionEstablished(clientID uint32) {
	subscriptionsEstablished.WithLabelValues(clientLabel(clientID)).Inc()
}

// SubscriptionTerminated counts a termination.
func SubscriptionTerminated(clientID uint32, willRetry bool) {
	subscriptionsTerminated.WithLabelValues(clientLabel(clientID), strconv.FormatBool(willRetry)).Inc()
}

// NotificationProcessed counts a fully applied notify.
func NotificationProcessed(clientID uint32) {
	notificationsProcessed.WithLabelValues(clientLabel(clientID)).Inc()
}

// UpdateRequestSent counts an outbound update request.
func UpdateRequestSent(clientID uint32, partial bool) {
	updateRequestsSent.WithLabelValues(clientLabel(clientID), strconv.FormatBool(partial)).Inc()
}

// UpdatePathCompleted counts a per-path completion callback.
func UpdatePathCompleted(clientID uint32) {
	updatePathsCompleted.WithLabelValues(clientLabel(clientID)).Inc()
}

// ResubscribeHoldoff counts an entry into holdoff.
func ResubscribeHoldoff(clientID uint32) {
	resubscribeHoldoffs.WithLabelValues(clientLabel(clientID)).Inc()
}
