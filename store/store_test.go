package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimiq/mimiq/models"
)

// The behavioral suite below runs against every backend; see memory_test.go
// and fdb_test.go for the per-backend wiring.

func testQueue(name string) *models.Queue {
	now := time.Now()
	return &models.Queue{
		ID:        fmt.Sprintf("arn:aws:sqs:us-east-1:000000000000:%s", name),
		Region:    "us-east-1",
		AccountID: "000000000000",
		Name:      name,
		Tags:      map[string]string{},
		CreatedAt: now, ModifiedAt: now,
		Config: models.QueueConfig{VisibilityTimeout: 30},
	}
}

func testMessage(queueID string, visibleAfter time.Time) *models.QueueMessage {
	now := time.Now()
	return &models.QueueMessage{
		ID:      uuid.NewString(),
		QueueID: queueID,
		CreatedAt: now, ModifiedAt: now,
		Lifecycle:        models.LifecycleWaiting,
		VisibleAfter:     &visibleAfter,
		Body:             "payload",
		Attributes:       map[string]models.AttributeValue{},
		SystemAttributes: map[string]models.AttributeValue{},
	}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("queue creation is idempotent on identical config", func(t *testing.T) {
		s := open(t)
		q := testQueue("orders")
		require.NoError(t, s.CreateQueue(ctx, q))
		require.NoError(t, s.CreateQueue(ctx, q))

		changed := testQueue("orders")
		changed.Config.VisibilityTimeout = 60
		assert.ErrorIs(t, s.CreateQueue(ctx, changed), ErrQueueAlreadyExists)

		byName, err := s.GetQueueByName(ctx, "us-east-1", "000000000000", "orders")
		require.NoError(t, err)
		assert.Equal(t, q.ID, byName.ID)

		_, err = s.GetQueueByName(ctx, "us-east-1", "000000000000", "missing")
		assert.ErrorIs(t, err, ErrQueueDoesNotExist)
	})

	t.Run("list queues is scoped and sorted by name", func(t *testing.T) {
		s := open(t)
		for _, name := range []string{"zulu", "alpha", "mike"} {
			require.NoError(t, s.CreateQueue(ctx, testQueue(name)))
		}
		other := testQueue("foreign")
		other.Region = "eu-west-1"
		other.ID = "arn:aws:sqs:eu-west-1:000000000000:foreign"
		require.NoError(t, s.CreateQueue(ctx, other))

		queues, err := s.ListQueues(ctx, "us-east-1", "000000000000")
		require.NoError(t, err)
		var names []string
		for _, q := range queues {
			names = append(names, q.Name)
		}
		assert.Equal(t, []string{"alpha", "mike", "zulu"}, names)

		all, err := s.ListAllQueues(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("eligible messages are ordered by visibility and capped", func(t *testing.T) {
		s := open(t)
		q := testQueue("work")
		require.NoError(t, s.CreateQueue(ctx, q))

		now := time.Now()
		late := testMessage(q.ID, now.Add(-1*time.Minute))
		early := testMessage(q.ID, time.Unix(0, 0))
		future := testMessage(q.ID, now.Add(time.Hour))
		for _, m := range []*models.QueueMessage{late, early, future} {
			require.NoError(t, s.InsertQueueMessage(ctx, m))
		}

		msgs, err := s.ListEligibleMessages(ctx, q.ID, now, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, early.ID, msgs[0].ID)
		assert.Equal(t, late.ID, msgs[1].ID)

		capped, err := s.ListEligibleMessages(ctx, q.ID, now, 1)
		require.NoError(t, err)
		require.Len(t, capped, 1)
		assert.Equal(t, early.ID, capped[0].ID)
	})

	t.Run("claim is conditional on observed state", func(t *testing.T) {
		s := open(t)
		q := testQueue("work")
		require.NoError(t, s.CreateQueue(ctx, q))
		m := testMessage(q.ID, time.Unix(0, 0))
		require.NoError(t, s.InsertQueueMessage(ctx, m))

		now := time.Now()
		stale := *m
		claimed, err := s.ClaimQueueMessage(ctx, m, now, now.Add(30*time.Second))
		require.NoError(t, err)
		require.True(t, claimed)
		assert.Equal(t, models.LifecycleDelivered, m.Lifecycle)
		assert.Equal(t, 1, m.TotalDeliveries)
		require.NotNil(t, m.FirstDeliveredAt)

		// The same observation cannot claim twice.
		claimed, err = s.ClaimQueueMessage(ctx, &stale, now, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.False(t, claimed)

		// The message is hidden until the new visibleAfter.
		msgs, err := s.ListEligibleMessages(ctx, q.ID, now.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		msgs, err = s.ListEligibleMessages(ctx, q.ID, now.Add(31*time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("delete is conditional on delivery count", func(t *testing.T) {
		s := open(t)
		q := testQueue("work")
		require.NoError(t, s.CreateQueue(ctx, q))
		m := testMessage(q.ID, time.Unix(0, 0))
		require.NoError(t, s.InsertQueueMessage(ctx, m))

		now := time.Now()

		// Not yet delivered.
		deleted, err := s.DeleteQueueMessage(ctx, q.ID, m.ID, 1, now)
		require.NoError(t, err)
		assert.False(t, deleted)

		claimed, err := s.ClaimQueueMessage(ctx, m, now, now.Add(30*time.Second))
		require.NoError(t, err)
		require.True(t, claimed)

		// Wrong expected count.
		deleted, err = s.DeleteQueueMessage(ctx, q.ID, m.ID, 2, now)
		require.NoError(t, err)
		assert.False(t, deleted)
		// Wrong queue.
		deleted, err = s.DeleteQueueMessage(ctx, "arn:aws:sqs:us-east-1:000000000000:other", m.ID, 1, now)
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.DeleteQueueMessage(ctx, q.ID, m.ID, 1, now)
		require.NoError(t, err)
		assert.True(t, deleted)

		final, err := s.GetQueueMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleDeleted, final.Lifecycle)
		assert.Nil(t, final.VisibleAfter)
		require.NotNil(t, final.DeletedAt)

		// Deleted messages leave the tracked set and the eligible index.
		tracked, err := s.ListTrackedMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, tracked)
		msgs, err := s.ListEligibleMessages(ctx, q.ID, now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("topic message snapshots subscriptions at insert", func(t *testing.T) {
		s := open(t)
		topic := &models.Topic{
			ID:        "arn:aws:sns:us-east-1:000000000000:events",
			Region:    "us-east-1",
			AccountID: "000000000000",
			Name:      "events",
			Tags:      map[string]string{},
			CreatedAt: time.Now(), ModifiedAt: time.Now(),
		}
		require.NoError(t, s.CreateTopic(ctx, topic))
		assert.ErrorIs(t, s.CreateTopic(ctx, topic), ErrTopicAlreadyExists)

		now := time.Now()
		subA := &models.TopicSubscription{ID: topic.ID + ":a", TopicID: topic.ID, CreatedAt: now, ModifiedAt: now}
		subB := &models.TopicSubscription{ID: topic.ID + ":b", TopicID: topic.ID, CreatedAt: now, ModifiedAt: now}
		require.NoError(t, s.InsertSubscription(ctx, subA))
		require.NoError(t, s.InsertSubscription(ctx, subB))

		m := &models.TopicMessage{
			ID:      uuid.NewString(),
			TopicID: topic.ID,
			CreatedAt: now, ModifiedAt: now,
			Body:       "news",
			Attributes: map[string]models.AttributeValue{},
		}
		require.NoError(t, s.InsertTopicMessage(ctx, m))
		assert.ElementsMatch(t, []string{subA.ID, subB.ID}, m.UndeliveredTo)

		pending, err := s.ListUndeliveredTopicMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		require.NoError(t, s.MarkTopicMessageDelivered(ctx, m.ID, subA.ID, now))
		// Marking the same subscriber twice is a no-op.
		require.NoError(t, s.MarkTopicMessageDelivered(ctx, m.ID, subA.ID, now))

		mid, err := s.GetTopicMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{subB.ID}, mid.UndeliveredTo)
		assert.Equal(t, []string{subA.ID}, mid.DeliveredTo)

		require.NoError(t, s.MarkTopicMessageDelivered(ctx, m.ID, subB.ID, now))
		pending, err = s.ListUndeliveredTopicMessages(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		require.NoError(t, s.StampTopicMessageDelivered(ctx, m.ID, now))
		final, err := s.GetTopicMessage(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, final.LastDeliveredAt)
	})

	t.Run("undelivered topic messages come oldest first", func(t *testing.T) {
		s := open(t)
		topic := &models.Topic{
			ID: "arn:aws:sns:us-east-1:000000000000:events", Region: "us-east-1",
			AccountID: "000000000000", Name: "events", Tags: map[string]string{},
			CreatedAt: time.Now(), ModifiedAt: time.Now(),
		}
		require.NoError(t, s.CreateTopic(ctx, topic))
		sub := &models.TopicSubscription{ID: topic.ID + ":a", TopicID: topic.ID}
		require.NoError(t, s.InsertSubscription(ctx, sub))

		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 12; i++ {
			m := &models.TopicMessage{
				ID:        uuid.NewString(),
				TopicID:   topic.ID,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
				Body:      "n",
			}
			require.NoError(t, s.InsertTopicMessage(ctx, m))
			ids = append(ids, m.ID)
		}

		pending, err := s.ListUndeliveredTopicMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 10)
		for i, m := range pending {
			assert.Equal(t, ids[i], m.ID, "sweep batch must start with the oldest pending message")
		}
	})

	t.Run("topic lifecycle", func(t *testing.T) {
		s := open(t)
		topic := &models.Topic{
			ID: "arn:aws:sns:us-east-1:000000000000:short-lived", Region: "us-east-1",
			AccountID: "000000000000", Name: "short-lived", Tags: map[string]string{},
			CreatedAt: time.Now(), ModifiedAt: time.Now(),
		}
		require.NoError(t, s.CreateTopic(ctx, topic))
		require.NoError(t, s.UpdateTopic(ctx, topic.ID, func(tp *models.Topic) {
			tp.Config.DisplayName = "renamed"
		}))
		updated, err := s.GetTopic(ctx, topic.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Config.DisplayName)

		require.NoError(t, s.DeleteTopic(ctx, topic.ID))
		_, err = s.GetTopic(ctx, topic.ID)
		assert.ErrorIs(t, err, ErrTopicDoesNotExist)
		assert.ErrorIs(t, s.DeleteTopic(ctx, topic.ID), ErrTopicDoesNotExist)
	})
}
