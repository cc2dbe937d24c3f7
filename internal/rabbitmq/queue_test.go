package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/models"
)

func TestRetryQueue(t *testing.T) {
	name := retryQueueName("fulfillment.orders", 90*time.Second)
	args := retryQueueArgs("fulfillment.orders", 90*time.Second)

	assert.Equal(t, "fulfillment.orders.retry.90000ms", name)
	assert.Equal(t, int64(90000), args["x-message-ttl"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "fulfillment.orders", args["x-dead-letter-routing-key"])
	assert.Equal(t, int64(150000), args["x-expires"])
	assert.NoError(t, args.Validate())
}

func TestDecodeJob(t *testing.T) {
	job, err := decodeJob([]byte(`{"order_id":"o-1","attempt":2,"reason":"retry"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OrderJob{OrderID: "o-1", Attempt: 2, Reason: "retry"}, job)

	_, err = decodeJob([]byte(`{"attempt":1}`))
	assert.Error(t, err)

	_, err = decodeJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeJob_KeepsAttempt(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	body, err := encodeJob(models.OrderJob{OrderID: "o-9", Attempt: 1, Reason: "deferred", EnqueuedAt: at})
	require.NoError(t, err)

	job, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "deferred", job.Reason)
	assert.True(t, job.EnqueuedAt.Equal(at))
}
