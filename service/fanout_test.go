package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

func newFanoutFixture() (*FanoutEngine, *TopicEngine, *QueueEngine, *store.MemoryStore) {
	st := store.NewMemoryStore()
	queues := NewQueueEngine(st, testLogger())
	topics := NewTopicEngine(st, testLogger())
	fanout := NewFanoutEngine(st, queues, testLogger())
	return fanout, topics, queues, st
}

func TestFanoutDeliversEnvelope(t *testing.T) {
	fanout, topics, queues, st := newFanoutFixture()
	topic := mustCreateTopic(t, topics, "events", models.TopicConfig{})
	q := mustCreateQueue(t, queues, "inbox", models.QueueConfig{VisibilityTimeout: 30})

	_, err := topics.Subscribe(context.Background(), topic, "sqs", q.ID, models.SubscriptionConfig{})
	require.NoError(t, err)

	published, err := topics.Publish(context.Background(), topic, PublishInput{
		Subject: "greeting",
		Body:    "hello there",
	})
	require.NoError(t, err)

	fanout.RunOnce(context.Background())

	deliveries, err := queues.Receive(context.Background(), q, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	var envelope Notification
	require.NoError(t, json.Unmarshal([]byte(deliveries[0].Message.Body), &envelope))
	assert.Equal(t, "Notification", envelope.Type)
	assert.Equal(t, published.ID, envelope.MessageId)
	assert.Equal(t, topic.ID, envelope.TopicArn)
	assert.Equal(t, "greeting", envelope.Subject)
	assert.Equal(t, "hello there", envelope.Message)

	final, err := st.GetTopicMessage(context.Background(), published.ID)
	require.NoError(t, err)
	assert.Empty(t, final.UndeliveredTo)
	assert.NotNil(t, final.LastDeliveredAt)
}

func TestFanoutRawDelivery(t *testing.T) {
	fanout, topics, queues, _ := newFanoutFixture()
	topic := mustCreateTopic(t, topics, "events", models.TopicConfig{})
	q := mustCreateQueue(t, queues, "inbox", models.QueueConfig{VisibilityTimeout: 30})

	_, err := topics.Subscribe(context.Background(), topic, "sqs", q.ID,
		models.SubscriptionConfig{RawMessageDelivery: true})
	require.NoError(t, err)

	_, err = topics.Publish(context.Background(), topic, PublishInput{Body: "bare payload"})
	require.NoError(t, err)

	fanout.RunOnce(context.Background())

	deliveries, err := queues.Receive(context.Background(), q, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "bare payload", deliveries[0].Message.Body)
}

func TestFanoutRetriesFailedSubscriberUntilItSucceeds(t *testing.T) {
	fanout, topics, queues, st := newFanoutFixture()
	topic := mustCreateTopic(t, topics, "events", models.TopicConfig{})
	good := mustCreateQueue(t, queues, "good", models.QueueConfig{VisibilityTimeout: 30})

	goodSub, err := topics.Subscribe(context.Background(), topic, "sqs", good.ID, models.SubscriptionConfig{})
	require.NoError(t, err)

	// A subscription whose target queue does not exist yet; its delivery
	// fails until the queue appears.
	brokenARN := "arn:aws:sqs:us-east-1:000000000000:not-yet"
	now := time.Now()
	brokenSub := &models.TopicSubscription{
		ID:        topic.ID + ":broken",
		AccountID: topic.AccountID,
		TopicID:   topic.ID,
		CreatedAt: now, ModifiedAt: now,
		Endpoint: models.SubscriptionEndpoint{Protocol: models.EndpointQueue, QueueID: brokenARN},
	}
	require.NoError(t, st.InsertSubscription(context.Background(), brokenSub))

	published, err := topics.Publish(context.Background(), topic, PublishInput{Body: "keep trying"})
	require.NoError(t, err)

	fanout.RunOnce(context.Background())

	mid, err := st.GetTopicMessage(context.Background(), published.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{brokenSub.ID}, mid.UndeliveredTo)
	assert.Equal(t, []string{goodSub.ID}, mid.DeliveredTo)
	assert.Nil(t, mid.LastDeliveredAt, "partial fan-out must not be stamped complete")

	// Re-running must not double-deliver to the good subscriber.
	fanout.RunOnce(context.Background())
	deliveries, err := queues.Receive(context.Background(), good, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)

	// Once the target queue exists the pending delivery lands.
	mustCreateQueue(t, queues, "not-yet", models.QueueConfig{VisibilityTimeout: 30})
	fanout.RunOnce(context.Background())

	final, err := st.GetTopicMessage(context.Background(), published.ID)
	require.NoError(t, err)
	assert.Empty(t, final.UndeliveredTo)
	assert.ElementsMatch(t, []string{goodSub.ID, brokenSub.ID}, final.DeliveredTo)
	assert.NotNil(t, final.LastDeliveredAt)
}

func TestFanoutSurvivesListFailure(t *testing.T) {
	st := new(MockStore)
	fanout := NewFanoutEngine(st, NewQueueEngine(st, testLogger()), testLogger())

	st.On("ListUndeliveredTopicMessages", mock.Anything, FanoutBatch).
		Return(nil, errors.New("store offline"))

	// Must log and return, not panic.
	fanout.RunOnce(context.Background())
	st.AssertExpectations(t)
}

func TestFanoutStartStop(t *testing.T) {
	fanout, topics, queues, _ := newFanoutFixture()
	fanout.Interval = 10 * time.Millisecond
	topic := mustCreateTopic(t, topics, "events", models.TopicConfig{})
	q := mustCreateQueue(t, queues, "inbox", models.QueueConfig{VisibilityTimeout: 30})
	_, err := topics.Subscribe(context.Background(), topic, "sqs", q.ID, models.SubscriptionConfig{})
	require.NoError(t, err)

	fanout.Start(context.Background())
	_, err = topics.Publish(context.Background(), topic, PublishInput{Body: "ticked"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		deliveries, err := queues.Receive(context.Background(), q, 10, 30*time.Second)
		return err == nil && len(deliveries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	fanout.Stop()
}
