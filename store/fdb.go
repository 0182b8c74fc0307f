package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	"github.com/mimiq/mimiq/models"
)

// FDBStore is a FoundationDB implementation of the Store interface.
//
// Documents are JSON blobs keyed by id inside per-record-set subspaces.
// Two secondary indexes drive the hot paths: (queueID, visibleAfter, msgID)
// for receive polling and (createdAt, msgID) for the fan-out sweep. Index
// keys are maintained in the same transaction as the document they cover,
// so a conditional update and its index move are one atomic unit.
type FDBStore struct {
	db fdb.Database

	queues     subspace.Subspace
	queueNames subspace.Subspace
	qmsg       subspace.Subspace
	qvis       subspace.Subspace
	topics     subspace.Subspace
	topicNames subspace.Subspace
	subs       subspace.Subspace
	topicSubs  subspace.Subspace
	tmsg       subspace.Subspace
	tpending   subspace.Subspace
}

// NewFDBStore opens the default FoundationDB cluster and roots all data
// under the given directory path (e.g. []string{"mimiq"}).
func NewFDBStore(path []string) (*FDBStore, error) {
	fdb.MustAPIVersion(730)
	db, err := fdb.OpenDefault()
	if err != nil {
		return nil, err
	}

	dir, err := directory.CreateOrOpen(db, path, nil)
	if err != nil {
		return nil, err
	}

	return &FDBStore{
		db:         db,
		queues:     dir.Sub("queues"),
		queueNames: dir.Sub("queue-names"),
		qmsg:       dir.Sub("queue-messages"),
		qvis:       dir.Sub("queue-visibility"),
		topics:     dir.Sub("topics"),
		topicNames: dir.Sub("topic-names"),
		subs:       dir.Sub("subscriptions"),
		topicSubs:  dir.Sub("topic-subscriptions"),
		tmsg:       dir.Sub("topic-messages"),
		tpending:   dir.Sub("topic-pending"),
	}, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func visNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

// --- Queues ---

func (s *FDBStore) CreateQueue(ctx context.Context, q *models.Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		key := s.queues.Pack(tuple.Tuple{q.ID})
		existing, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			var prev models.Queue
			if err := json.Unmarshal(existing, &prev); err != nil {
				return nil, err
			}
			// Creation is idempotent only for an identical configuration.
			if prev.Config != q.Config {
				return nil, ErrQueueAlreadyExists
			}
			return nil, nil
		}
		tr.Set(key, data)
		tr.Set(s.queueNames.Pack(tuple.Tuple{q.Region, q.AccountID, q.Name}), []byte(q.ID))
		return nil, nil
	})
	return err
}

func (s *FDBStore) GetQueue(ctx context.Context, id string) (*models.Queue, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		return s.readQueue(rtr, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Queue), nil
}

func (s *FDBStore) readQueue(rtr fdb.ReadTransaction, id string) (*models.Queue, error) {
	data, err := rtr.Get(s.queues.Pack(tuple.Tuple{id})).Get()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrQueueDoesNotExist
	}
	var q models.Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *FDBStore) GetQueueByName(ctx context.Context, region, accountID, name string) (*models.Queue, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		id, err := rtr.Get(s.queueNames.Pack(tuple.Tuple{region, accountID, name})).Get()
		if err != nil {
			return nil, err
		}
		if id == nil {
			return nil, ErrQueueDoesNotExist
		}
		return s.readQueue(rtr, string(id))
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Queue), nil
}

func (s *FDBStore) ListQueues(ctx context.Context, region, accountID string) ([]*models.Queue, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		// The name index is tuple-ordered, so this comes back sorted by name.
		pr, err := fdb.PrefixRange(s.queueNames.Pack(tuple.Tuple{region, accountID}))
		if err != nil {
			return nil, err
		}
		var queues []*models.Queue
		iter := rtr.GetRange(pr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			q, err := s.readQueue(rtr, string(kv.Value))
			if err != nil {
				return nil, err
			}
			queues = append(queues, q)
		}
		return queues, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.Queue), nil
}

func (s *FDBStore) ListAllQueues(ctx context.Context) ([]*models.Queue, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		pr, err := fdb.PrefixRange(s.queues.FDBKey())
		if err != nil {
			return nil, err
		}
		var queues []*models.Queue
		iter := rtr.GetRange(pr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			var q models.Queue
			if err := json.Unmarshal(kv.Value, &q); err != nil {
				return nil, err
			}
			queues = append(queues, &q)
		}
		return queues, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.Queue), nil
}

func (s *FDBStore) UpdateQueue(ctx context.Context, id string, update func(*models.Queue)) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		q, err := s.readQueue(tr, id)
		if err != nil {
			return nil, err
		}
		update(q)
		data, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		tr.Set(s.queues.Pack(tuple.Tuple{id}), data)
		return nil, nil
	})
	return err
}

// --- Queue messages ---

func (s *FDBStore) InsertQueueMessage(ctx context.Context, m *models.QueueMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(s.qmsg.Pack(tuple.Tuple{m.ID}), data)
		tr.Set(s.qvis.Pack(tuple.Tuple{m.QueueID, visNanos(m.VisibleAfter), m.ID}), []byte{})
		return nil, nil
	})
	return err
}

func (s *FDBStore) GetQueueMessage(ctx context.Context, id string) (*models.QueueMessage, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		return s.readQueueMessage(rtr, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.QueueMessage), nil
}

func (s *FDBStore) readQueueMessage(rtr fdb.ReadTransaction, id string) (*models.QueueMessage, error) {
	data, err := rtr.Get(s.qmsg.Pack(tuple.Tuple{id})).Get()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrMessageDoesNotExist
	}
	var m models.QueueMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *FDBStore) ListEligibleMessages(ctx context.Context, queueID string, now time.Time, limit int) ([]*models.QueueMessage, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		// Index keys are (queueID, visibleAfter, msgID), so a range scan up
		// to now yields eligible messages oldest-eligible first.
		rng := fdb.KeyRange{
			Begin: s.qvis.Pack(tuple.Tuple{queueID}),
			End:   s.qvis.Pack(tuple.Tuple{queueID, now.UnixNano()}),
		}
		var msgs []*models.QueueMessage
		iter := rtr.GetRange(rng, fdb.RangeOptions{Limit: limit}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			t, err := s.qvis.Unpack(kv.Key)
			if err != nil || len(t) != 3 {
				continue
			}
			id, ok := t[2].(string)
			if !ok {
				continue
			}
			m, err := s.readQueueMessage(rtr, id)
			if err == ErrMessageDoesNotExist {
				continue
			}
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.QueueMessage), nil
}

func (s *FDBStore) ClaimQueueMessage(ctx context.Context, observed *models.QueueMessage, now, visibleUntil time.Time) (bool, error) {
	res, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		m, err := s.readQueueMessage(tr, observed.ID)
		if err == ErrMessageDoesNotExist {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		// The claim only lands if nobody delivered the message since the
		// caller fetched it. A lost race is not an error, the message simply
		// went to someone else.
		if m.Lifecycle != observed.Lifecycle || !sameTime(m.LastDeliveredAt, observed.LastDeliveredAt) {
			return false, nil
		}

		tr.Clear(s.qvis.Pack(tuple.Tuple{m.QueueID, visNanos(m.VisibleAfter), m.ID}))

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

		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		tr.Set(s.qmsg.Pack(tuple.Tuple{m.ID}), data)
		tr.Set(s.qvis.Pack(tuple.Tuple{m.QueueID, visNanos(m.VisibleAfter), m.ID}), []byte{})
		*observed = *m
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *FDBStore) DeleteQueueMessage(ctx context.Context, queueID, messageID string, expectedDeliveries int, now time.Time) (bool, error) {
	res, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		m, err := s.readQueueMessage(tr, messageID)
		if err == ErrMessageDoesNotExist {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if m.QueueID != queueID ||
			m.Lifecycle != models.LifecycleDelivered ||
			m.TotalDeliveries != expectedDeliveries {
			return false, nil
		}

		tr.Clear(s.qvis.Pack(tuple.Tuple{m.QueueID, visNanos(m.VisibleAfter), m.ID}))

		m.Lifecycle = models.LifecycleDeleted
		deleted := now
		m.DeletedAt = &deleted
		m.VisibleAfter = nil
		m.ModifiedAt = now

		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		tr.Set(s.qmsg.Pack(tuple.Tuple{m.ID}), data)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *FDBStore) ListTrackedMessages(ctx context.Context) ([]*models.QueueMessage, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		pr, err := fdb.PrefixRange(s.qmsg.FDBKey())
		if err != nil {
			return nil, err
		}
		var msgs []*models.QueueMessage
		iter := rtr.GetRange(pr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			var m models.QueueMessage
			if err := json.Unmarshal(kv.Value, &m); err != nil {
				return nil, err
			}
			if m.Lifecycle == models.LifecycleDeleted {
				continue
			}
			msgs = append(msgs, &m)
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.QueueMessage), nil
}

// --- Topics ---

func (s *FDBStore) CreateTopic(ctx context.Context, t *models.Topic) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		key := s.topics.Pack(tuple.Tuple{t.ID})
		existing, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, ErrTopicAlreadyExists
		}
		tr.Set(key, data)
		tr.Set(s.topicNames.Pack(tuple.Tuple{t.Region, t.AccountID, t.Name}), []byte(t.ID))
		return nil, nil
	})
	return err
}

func (s *FDBStore) GetTopic(ctx context.Context, id string) (*models.Topic, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		return s.readTopic(rtr, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Topic), nil
}

func (s *FDBStore) readTopic(rtr fdb.ReadTransaction, id string) (*models.Topic, error) {
	data, err := rtr.Get(s.topics.Pack(tuple.Tuple{id})).Get()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrTopicDoesNotExist
	}
	var t models.Topic
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *FDBStore) ListTopics(ctx context.Context, region, accountID string) ([]*models.Topic, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		pr, err := fdb.PrefixRange(s.topicNames.Pack(tuple.Tuple{region, accountID}))
		if err != nil {
			return nil, err
		}
		var topics []*models.Topic
		iter := rtr.GetRange(pr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			t, err := s.readTopic(rtr, string(kv.Value))
			if err == ErrTopicDoesNotExist {
				continue
			}
			if err != nil {
				return nil, err
			}
			topics = append(topics, t)
		}
		return topics, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.Topic), nil
}

func (s *FDBStore) UpdateTopic(ctx context.Context, id string, update func(*models.Topic)) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		t, err := s.readTopic(tr, id)
		if err != nil {
			return nil, err
		}
		update(t)
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		tr.Set(s.topics.Pack(tuple.Tuple{id}), data)
		return nil, nil
	})
	return err
}

func (s *FDBStore) DeleteTopic(ctx context.Context, id string) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		t, err := s.readTopic(tr, id)
		if err != nil {
			return nil, err
		}
		tr.Clear(s.topics.Pack(tuple.Tuple{id}))
		tr.Clear(s.topicNames.Pack(tuple.Tuple{t.Region, t.AccountID, t.Name}))
		return nil, nil
	})
	return err
}

// --- Subscriptions ---

func (s *FDBStore) InsertSubscription(ctx context.Context, sub *models.TopicSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(s.subs.Pack(tuple.Tuple{sub.ID}), data)
		tr.Set(s.topicSubs.Pack(tuple.Tuple{sub.TopicID, sub.ID}), []byte{})
		return nil, nil
	})
	return err
}

func (s *FDBStore) GetSubscription(ctx context.Context, id string) (*models.TopicSubscription, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		data, err := rtr.Get(s.subs.Pack(tuple.Tuple{id})).Get()
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, ErrSubscriptionDoesNotExist
		}
		var sub models.TopicSubscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, err
		}
		return &sub, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.TopicSubscription), nil
}

func (s *FDBStore) ListTopicSubscriptionIDs(ctx context.Context, topicID string) ([]string, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		return s.subscriptionIDs(rtr, topicID)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *FDBStore) subscriptionIDs(rtr fdb.ReadTransaction, topicID string) ([]string, error) {
	pr, err := fdb.PrefixRange(s.topicSubs.Pack(tuple.Tuple{topicID}))
	if err != nil {
		return nil, err
	}
	ids := []string{}
	iter := rtr.GetRange(pr, fdb.RangeOptions{}).Iterator()
	for iter.Advance() {
		kv, err := iter.Get()
		if err != nil {
			return nil, err
		}
		t, err := s.topicSubs.Unpack(kv.Key)
		if err != nil || len(t) != 2 {
			continue
		}
		if id, ok := t[1].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Topic messages ---

func (s *FDBStore) InsertTopicMessage(ctx context.Context, m *models.TopicMessage) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		// Snapshot the subscriber set in the same transaction as the insert;
		// subscriptions added later never see this message.
		ids, err := s.subscriptionIDs(tr, m.TopicID)
		if err != nil {
			return nil, err
		}
		m.UndeliveredTo = ids
		m.DeliveredTo = []string{}

		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		tr.Set(s.tmsg.Pack(tuple.Tuple{m.ID}), data)
		if len(m.UndeliveredTo) > 0 {
			tr.Set(s.tpending.Pack(tuple.Tuple{m.CreatedAt.UnixNano(), m.ID}), []byte{})
		}
		return nil, nil
	})
	return err
}

func (s *FDBStore) GetTopicMessage(ctx context.Context, id string) (*models.TopicMessage, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		return s.readTopicMessage(rtr, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.TopicMessage), nil
}

func (s *FDBStore) readTopicMessage(rtr fdb.ReadTransaction, id string) (*models.TopicMessage, error) {
	data, err := rtr.Get(s.tmsg.Pack(tuple.Tuple{id})).Get()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrMessageDoesNotExist
	}
	var m models.TopicMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *FDBStore) ListUndeliveredTopicMessages(ctx context.Context, limit int) ([]*models.TopicMessage, error) {
	res, err := s.db.ReadTransact(func(rtr fdb.ReadTransaction) (interface{}, error) {
		pr, err := fdb.PrefixRange(s.tpending.FDBKey())
		if err != nil {
			return nil, err
		}
		var msgs []*models.TopicMessage
		// Pending-index keys start with createdAt, so this sweeps oldest
		// first and sustained load cannot starve early publishes.
		iter := rtr.GetRange(pr, fdb.RangeOptions{Limit: limit}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			t, err := s.tpending.Unpack(kv.Key)
			if err != nil || len(t) != 2 {
				continue
			}
			id, ok := t[1].(string)
			if !ok {
				continue
			}
			m, err := s.readTopicMessage(rtr, id)
			if err == ErrMessageDoesNotExist {
				continue
			}
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*models.TopicMessage), nil
}

func (s *FDBStore) MarkTopicMessageDelivered(ctx context.Context, messageID, subscriptionID string, now time.Time) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		m, err := s.readTopicMessage(tr, messageID)
		if err != nil {
			return nil, err
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
			// Another sweep already moved it; the duplicate delivery has
			// happened either way, the bookkeeping stays consistent.
			return nil, nil
		}
		m.UndeliveredTo = remaining
		m.DeliveredTo = append(m.DeliveredTo, subscriptionID)
		m.ModifiedAt = now

		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		tr.Set(s.tmsg.Pack(tuple.Tuple{m.ID}), data)
		if len(m.UndeliveredTo) == 0 {
			tr.Clear(s.tpending.Pack(tuple.Tuple{m.CreatedAt.UnixNano(), m.ID}))
		}
		return nil, nil
	})
	return err
}

func (s *FDBStore) StampTopicMessageDelivered(ctx context.Context, messageID string, now time.Time) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		m, err := s.readTopicMessage(tr, messageID)
		if err != nil {
			return nil, err
		}
		stamped := now
		m.LastDeliveredAt = &stamped
		m.ModifiedAt = now
		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		tr.Set(s.tmsg.Pack(tuple.Tuple{m.ID}), data)
		return nil, nil
	})
	return err
}

var _ Store = (*FDBStore)(nil)

// Clear removes every record under the store's subspaces. Intended for tests.
func (s *FDBStore) Clear() error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		for _, sub := range []subspace.Subspace{
			s.queues, s.queueNames, s.qmsg, s.qvis,
			s.topics, s.topicNames, s.subs, s.topicSubs, s.tmsg, s.tpending,
		} {
			pr, err := fdb.PrefixRange(sub.FDBKey())
			if err != nil {
				return nil, fmt.Errorf("clear %v: %w", sub, err)
			}
			tr.ClearRange(pr)
		}
		return nil, nil
	})
	return err
}
