package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

// MockStore is a mock implementation of the store.Store interface for
// exercising paths that are awkward to reach through a real backend, such as
// lost claim races and store failures.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) CreateQueue(ctx context.Context, q *models.Queue) error {
	args := m.Called(ctx, q)
	return args.Error(0)
}

func (m *MockStore) GetQueue(ctx context.Context, id string) (*models.Queue, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Queue), args.Error(1)
}

func (m *MockStore) GetQueueByName(ctx context.Context, region, accountID, name string) (*models.Queue, error) {
	args := m.Called(ctx, region, accountID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Queue), args.Error(1)
}

func (m *MockStore) ListQueues(ctx context.Context, region, accountID string) ([]*models.Queue, error) {
	args := m.Called(ctx, region, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Queue), args.Error(1)
}

func (m *MockStore) ListAllQueues(ctx context.Context) ([]*models.Queue, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Queue), args.Error(1)
}

func (m *MockStore) UpdateQueue(ctx context.Context, id string, update func(*models.Queue)) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockStore) InsertQueueMessage(ctx context.Context, msg *models.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) GetQueueMessage(ctx context.Context, id string) (*models.QueueMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueueMessage), args.Error(1)
}

func (m *MockStore) ListEligibleMessages(ctx context.Context, queueID string, now time.Time, limit int) ([]*models.QueueMessage, error) {
	args := m.Called(ctx, queueID, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueueMessage), args.Error(1)
}

func (m *MockStore) ClaimQueueMessage(ctx context.Context, observed *models.QueueMessage, now, visibleUntil time.Time) (bool, error) {
	args := m.Called(ctx, observed, now, visibleUntil)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteQueueMessage(ctx context.Context, queueID, messageID string, expectedDeliveries int, now time.Time) (bool, error) {
	args := m.Called(ctx, queueID, messageID, expectedDeliveries, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ListTrackedMessages(ctx context.Context) ([]*models.QueueMessage, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueueMessage), args.Error(1)
}

func (m *MockStore) CreateTopic(ctx context.Context, t *models.Topic) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockStore) GetTopic(ctx context.Context, id string) (*models.Topic, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Topic), args.Error(1)
}

func (m *MockStore) ListTopics(ctx context.Context, region, accountID string) ([]*models.Topic, error) {
	args := m.Called(ctx, region, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Topic), args.Error(1)
}

func (m *MockStore) UpdateTopic(ctx context.Context, id string, update func(*models.Topic)) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockStore) DeleteTopic(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) InsertSubscription(ctx context.Context, sub *models.TopicSubscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockStore) GetSubscription(ctx context.Context, id string) (*models.TopicSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TopicSubscription), args.Error(1)
}

func (m *MockStore) ListTopicSubscriptionIDs(ctx context.Context, topicID string) ([]string, error) {
	args := m.Called(ctx, topicID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) InsertTopicMessage(ctx context.Context, msg *models.TopicMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) GetTopicMessage(ctx context.Context, id string) (*models.TopicMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TopicMessage), args.Error(1)
}

func (m *MockStore) ListUndeliveredTopicMessages(ctx context.Context, limit int) ([]*models.TopicMessage, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.TopicMessage), args.Error(1)
}

func (m *MockStore) MarkTopicMessageDelivered(ctx context.Context, messageID, subscriptionID string, now time.Time) error {
	args := m.Called(ctx, messageID, subscriptionID, now)
	return args.Error(0)
}

func (m *MockStore) StampTopicMessageDelivered(ctx context.Context, messageID string, now time.Time) error {
	args := m.Called(ctx, messageID, now)
	return args.Error(0)
}
