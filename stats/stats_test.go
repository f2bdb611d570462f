package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	const clientID = 318

	SubscriptionEstablished(clientID)
	SubscriptionEstablished(clientID)
	assert.Equal(t, 2.0, testutil.ToFloat64(subscriptionsEstablished.WithLabelValues("318")))

	SubscriptionTerminated(clientID, true)
	SubscriptionTerminated(clientID, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(subscriptionsTerminated.WithLabelValues("318", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(subscriptionsTerminated.WithLabelValues("318", "false")))

	NotificationProcessed(clientID)
	assert.Equal(t, 1.0, testutil.ToFloat64(notificationsProcessed.WithLabelValues("318")))

	UpdateRequestSent(clientID, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(updateRequestsSent.WithLabelValues("318", "true")))

	UpdatePathCompleted(clientID)
	ResubscribeHoldoff(clientID)
	assert.Equal(t, 1.0, testutil.ToFloat64(updatePathsCompleted.WithLabelValues("318")))
	assert.Equal(t, 1.0, testutil.ToFloat64(resubscribeHoldoffs.WithLabelValues("318")))
}
