package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mimiq/mimiq/models"
)

// MemoryStore is an in-process implementation of the Store interface. It
// keeps the same document-update semantics as the FoundationDB backend but
// holds everything in maps under one mutex, which makes it suitable for
// single-process use and tests.
type MemoryStore struct {
	mu    sync.Mutex
	queue map[string]*models.Queue
	qmsg  map[string]*models.QueueMessage
	topic map[string]*models.Topic
	sub   map[string]*models.TopicSubscription
	tmsg  map[string]*models.TopicMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queue: map[string]*models.Queue{},
		qmsg:  map[string]*models.QueueMessage{},
		topic: map[string]*models.Topic{},
		sub:   map[string]*models.TopicSubscription{},
		tmsg:  map[string]*models.TopicMessage{},
	}
}

// clone deep-copies a document through its JSON form so callers can never
// mutate stored state outside the store's mutex.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// --- Queues ---

func (s *MemoryStore) CreateQueue(ctx context.Context, q *models.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.queue[q.ID]; ok {
		if existing.Config != q.Config {
			return ErrQueueAlreadyExists
		}
		return nil
	}
	s.queue[q.ID] = clone(q)
	return nil
}

func (s *MemoryStore) GetQueue(ctx context.Context, id string) (*models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return nil, ErrQueueDoesNotExist
	}
	return clone(q), nil
}

func (s *MemoryStore) GetQueueByName(ctx context.Context, region, accountID, name string) (*models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		if q.Region == region && q.AccountID == accountID && q.Name == name {
			return clone(q), nil
		}
	}
	return nil, ErrQueueDoesNotExist
}

func (s *MemoryStore) ListQueues(ctx context.Context, region, accountID string) ([]*models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queues []*models.Queue
	for _, q := range s.queue {
		if q.Region == region && q.AccountID == accountID {
			queues = append(queues, clone(q))
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

func (s *MemoryStore) ListAllQueues(ctx context.Context) ([]*models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queues []*models.Queue
	for _, q := range s.queue {
		queues = append(queues, clone(q))
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].ID < queues[j].ID })
	return queues, nil
}

func (s *MemoryStore) UpdateQueue(ctx context.Context, id string, update func(*models.Queue)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return ErrQueueDoesNotExist
	}
	update(q)
	return nil
}

// --- Queue messages ---

func (s *MemoryStore) InsertQueueMessage(ctx context.Context, m *models.QueueMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qmsg[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) GetQueueMessage(ctx context.Context, id string) (*models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.qmsg[id]
	if !ok {
		return nil, ErrMessageDoesNotExist
	}
	return clone(m), nil
}

func (s *MemoryStore) ListEligibleMessages(ctx context.Context, queueID string, now time.Time, limit int) ([]*models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*models.QueueMessage
	for _, m := range s.qmsg {
		if m.QueueID == queueID && m.VisibleAfter != nil && m.VisibleAfter.Before(now) {
			msgs = append(msgs, clone(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].VisibleAfter.Before(*msgs[j].VisibleAfter) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) ClaimQueueMessage(ctx context.Context, observed *models.QueueMessage, now, visibleUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.qmsg[observed.ID]
	if !ok {
		return false, nil
	}
	if m.Lifecycle != observed.Lifecycle || !sameTime(m.LastDeliveredAt, observed.LastDeliveredAt) {
		return false, nil
	}
	m.Lifecycle = models.LifecycleDelivered
	if m.FirstDeliveredAt == nil {
		first := now
		m.FirstDeliveredAt = &first
	}
	last := now
	m.LastDeliveredAt = &last
	until := visibleUntil
	m.VisibleAfter = &until
	m.TotalDeliveries++
	m.ModifiedAt = now
	*observed = *clone(m)
	return true, nil
}

func (s *MemoryStore) DeleteQueueMessage(ctx context.Context, queueID, messageID string, expectedDeliveries int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.qmsg[messageID]
	if !ok {
		return false, nil
	}
	if m.QueueID != queueID ||
		m.Lifecycle != models.LifecycleDelivered ||
		m.TotalDeliveries != expectedDeliveries {
		return false, nil
	}
	m.Lifecycle = models.LifecycleDeleted
	deleted := now
	m.DeletedAt = &deleted
	m.VisibleAfter = nil
	m.ModifiedAt = now
	return true, nil
}

func (s *MemoryStore) ListTrackedMessages(ctx context.Context) ([]*models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*models.QueueMessage
	for _, m := range s.qmsg {
		if m.Lifecycle != models.LifecycleDeleted {
			msgs = append(msgs, clone(m))
		}
	}
	return msgs, nil
}

// --- Topics ---

func (s *MemoryStore) CreateTopic(ctx context.Context, t *models.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topic[t.ID]; ok {
		return ErrTopicAlreadyExists
	}
	s.topic[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) GetTopic(ctx context.Context, id string) (*models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topic[id]
	if !ok {
		return nil, ErrTopicDoesNotExist
	}
	return clone(t), nil
}

func (s *MemoryStore) ListTopics(ctx context.Context, region, accountID string) ([]*models.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var topics []*models.Topic
	for _, t := range s.topic {
		if t.Region == region && t.AccountID == accountID {
			topics = append(topics, clone(t))
		}
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

func (s *MemoryStore) UpdateTopic(ctx context.Context, id string, update func(*models.Topic)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topic[id]
	if !ok {
		return ErrTopicDoesNotExist
	}
	update(t)
	return nil
}

func (s *MemoryStore) DeleteTopic(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topic[id]; !ok {
		return ErrTopicDoesNotExist
	}
	delete(s.topic, id)
	return nil
}

// --- Subscriptions ---

func (s *MemoryStore) InsertSubscription(ctx context.Context, sub *models.TopicSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub[sub.ID] = clone(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*models.TopicSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.sub[id]
	if !ok {
		return nil, ErrSubscriptionDoesNotExist
	}
	return clone(sub), nil
}

func (s *MemoryStore) ListTopicSubscriptionIDs(ctx context.Context, topicID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionIDsLocked(topicID), nil
}

func (s *MemoryStore) subscriptionIDsLocked(topicID string) []string {
	ids := []string{}
	for _, sub := range s.sub {
		if sub.TopicID == topicID {
			ids = append(ids, sub.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- Topic messages ---

func (s *MemoryStore) InsertTopicMessage(ctx context.Context, m *models.TopicMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.UndeliveredTo = s.subscriptionIDsLocked(m.TopicID)
	m.DeliveredTo = []string{}
	s.tmsg[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) GetTopicMessage(ctx context.Context, id string) (*models.TopicMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tmsg[id]
	if !ok {
		return nil, ErrMessageDoesNotExist
	}
	return clone(m), nil
}

func (s *MemoryStore) ListUndeliveredTopicMessages(ctx context.Context, limit int) ([]*models.TopicMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*models.TopicMessage
	for _, m := range s.tmsg {
		if len(m.UndeliveredTo) > 0 {
			msgs = append(msgs, clone(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStore) MarkTopicMessageDelivered(ctx context.Context, messageID, subscriptionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tmsg[messageID]
	if !ok {
		return ErrMessageDoesNotExist
	}
	found := false
	remaining := m.UndeliveredTo[:0]
	for _, id := range m.UndeliveredTo {
		if id == subscriptionID {
			found = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !found {
		return nil
	}
	m.UndeliveredTo = remaining
	m.DeliveredTo = append(m.DeliveredTo, subscriptionID)
	m.ModifiedAt = now
	return nil
}

func (s *MemoryStore) StampTopicMessageDelivered(ctx context.Context, messageID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tmsg[messageID]
	if !ok {
		return ErrMessageDoesNotExist
	}
	stamped := now
	m.LastDeliveredAt = &stamped
	m.ModifiedAt = now
	return nil
}

var _ Store = (*MemoryStore)(nil)
