package store

import (
	"context"
	"errors"
	"time"

	"github.com/mimiq/mimiq/models"
)

var (
	// ErrQueueAlreadyExists is returned when creating a queue whose name is
	// taken with a different configuration. Re-creating with the identical
	// configuration is not an error.
	ErrQueueAlreadyExists = errors.New("queue already exists")
	// ErrQueueDoesNotExist is returned when operating on an absent queue.
	ErrQueueDoesNotExist = errors.New("queue does not exist")
	// ErrTopicAlreadyExists is returned when creating a topic whose ARN is taken.
	ErrTopicAlreadyExists = errors.New("topic already exists")
	// ErrTopicDoesNotExist is returned when operating on an absent topic.
	ErrTopicDoesNotExist = errors.New("topic does not exist")
	// ErrSubscriptionDoesNotExist is returned when operating on an absent subscription.
	ErrSubscriptionDoesNotExist = errors.New("subscription does not exist")
	// ErrMessageDoesNotExist is returned when operating on an absent message.
	ErrMessageDoesNotExist = errors.New("message does not exist")
)

// Store is the interface to the shared document store. Every mutation is a
// single atomic document update; the conditional operations
// (ClaimQueueMessage, DeleteQueueMessage, MarkTopicMessageDelivered) succeed
// only if the document still matches the caller's observed state, and report
// whether exactly one document changed. That primitive is the only
// concurrency control in the system (no locks, no leader election), so any
// number of service replicas can share one store.
type Store interface {
	// Queue management.
	CreateQueue(ctx context.Context, q *models.Queue) error
	GetQueue(ctx context.Context, id string) (*models.Queue, error)
	GetQueueByName(ctx context.Context, region, accountID, name string) (*models.Queue, error)
	ListQueues(ctx context.Context, region, accountID string) ([]*models.Queue, error)
	ListAllQueues(ctx context.Context) ([]*models.Queue, error)
	// UpdateQueue applies update to the current document inside one
	// transaction. Used for tagging, poll timestamps and counter refresh.
	UpdateQueue(ctx context.Context, id string, update func(*models.Queue)) error

	// Queue messages.
	InsertQueueMessage(ctx context.Context, m *models.QueueMessage) error
	GetQueueMessage(ctx context.Context, id string) (*models.QueueMessage, error)
	// ListEligibleMessages returns up to limit messages of the queue with
	// visibleAfter before now, oldest-eligible first.
	ListEligibleMessages(ctx context.Context, queueID string, now time.Time, limit int) ([]*models.QueueMessage, error)
	// ClaimQueueMessage transitions observed to Delivered iff the stored
	// document still has the observed lifecycle and lastDeliveredAt. On
	// success it stamps first/last delivery, moves visibleAfter to
	// visibleUntil and increments totalDeliveries.
	ClaimQueueMessage(ctx context.Context, observed *models.QueueMessage, now, visibleUntil time.Time) (bool, error)
	// DeleteQueueMessage transitions the message to Deleted iff it is
	// currently Delivered with exactly expectedDeliveries deliveries.
	DeleteQueueMessage(ctx context.Context, queueID, messageID string, expectedDeliveries int, now time.Time) (bool, error)
	// ListTrackedMessages returns every non-deleted queue message.
	ListTrackedMessages(ctx context.Context) ([]*models.QueueMessage, error)

	// Topic management.
	CreateTopic(ctx context.Context, t *models.Topic) error
	GetTopic(ctx context.Context, id string) (*models.Topic, error)
	ListTopics(ctx context.Context, region, accountID string) ([]*models.Topic, error)
	UpdateTopic(ctx context.Context, id string, update func(*models.Topic)) error
	DeleteTopic(ctx context.Context, id string) error

	// Subscriptions.
	InsertSubscription(ctx context.Context, sub *models.TopicSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.TopicSubscription, error)
	ListTopicSubscriptionIDs(ctx context.Context, topicID string) ([]string, error)

	// Topic messages.
	// InsertTopicMessage snapshots the topic's current subscription ids into
	// undeliveredTo within the same transaction.
	InsertTopicMessage(ctx context.Context, m *models.TopicMessage) error
	GetTopicMessage(ctx context.Context, id string) (*models.TopicMessage, error)
	// ListUndeliveredTopicMessages returns up to limit messages that still
	// have pending subscribers, oldest first.
	ListUndeliveredTopicMessages(ctx context.Context, limit int) ([]*models.TopicMessage, error)
	// MarkTopicMessageDelivered moves subscriptionID from undeliveredTo to
	// deliveredTo in a single conditional update. Already-moved ids are a
	// no-op, which makes redundant deliveries between overlapping sweeps safe.
	MarkTopicMessageDelivered(ctx context.Context, messageID, subscriptionID string, now time.Time) error
	// StampTopicMessageDelivered records that fan-out finished for the message.
	StampTopicMessageDelivered(ctx context.Context, messageID string, now time.Time) error
}
