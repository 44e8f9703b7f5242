package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *recordingChannel) Close() error {
	c.closed = true
	return nil
}

func TestPublishStatus(t *testing.T) {
	ch := &recordingChannel{}
	sp := &StatusPublisher{channel: ch, exchange: "oculus.detection", routingKey: StatusRoutingKey}

	in := types.SessionStatusMessage{
		SessionID:  "sess-1",
		Source:     "s3://videos/a.mp4",
		Status:     "EMPTY_INPUT",
		StartedAt:  time.Unix(100, 0).UTC(),
		FinishedAt: time.Unix(160, 0).UTC(),
	}
	require.NoError(t, sp.PublishStatus(context.Background(), in))

	assert.Equal(t, "oculus.detection", ch.exchange)
	assert.Equal(t, "detection.status", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)
	assert.Equal(t, "sess-1", ch.msg.MessageId)
	assert.Equal(t, "EMPTY_INPUT", ch.msg.Headers["x-detect-status"])

	var out types.SessionStatusMessage
	require.NoError(t, json.Unmarshal(ch.msg.Body, &out))
	assert.Equal(t, in, out)

	require.NoError(t, sp.Close())
	assert.True(t, ch.closed)
}
