package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

// Defaults applied to newly created queues when the caller does not set the
// corresponding attribute.
const (
	DefaultMaximumMessageSize     = 262144
	DefaultMessageRetentionPeriod = 345600
	DefaultVisibilityTimeout      = 30
)

// ReceiveBatchMax caps how many messages a single receive hands out.
const ReceiveBatchMax = 10

// DefaultPollInterval is how often a long poll re-checks the queue.
const DefaultPollInterval = 2 * time.Second

// Delivery is one received message together with the receipt handle the
// consumer must present to delete it.
type Delivery struct {
	Message       *models.QueueMessage
	ReceiptHandle string
}

// QueueEngine implements the queue message lifecycle on top of the store.
// It holds no per-queue state, so any number of replicas can run against the
// same store; races are resolved by the store's conditional updates.
type QueueEngine struct {
	store store.Store
	log   *slog.Logger

	// PollInterval is how often a long poll re-checks for messages.
	PollInterval time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewQueueEngine(st store.Store, log *slog.Logger) *QueueEngine {
	return &QueueEngine{
		store:        st,
		log:          log,
		PollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// QueueARN builds the id under which a queue is stored.
func QueueARN(region, accountID, name string) string {
	return fmt.Sprintf("arn:aws:sqs:%s:%s:%s", region, accountID, name)
}

// CreateQueue validates and persists a new queue. Creating a queue that
// already exists with the identical configuration succeeds and returns the
// existing queue; a differing configuration is an error.
func (e *QueueEngine) CreateQueue(ctx context.Context, region, accountID, name string, cfg models.QueueConfig, tags map[string]string) (*models.Queue, error) {
	if cfg.FifoQueue != strings.HasSuffix(name, ".fifo") {
		return nil, errf(CodeInvalidParameter, "queue name and FifoQueue attribute must agree")
	}
	if cfg.ContentBasedDeduplication && !cfg.FifoQueue {
		return nil, errf(CodeInvalidParameter, "ContentBasedDeduplication requires a FIFO queue")
	}
	if tags == nil {
		tags = map[string]string{}
	}

	now := e.now()
	q := &models.Queue{
		ID:         QueueARN(region, accountID, name),
		Region:     region,
		AccountID:  accountID,
		Name:       name,
		Tags:       tags,
		CreatedAt:  now,
		ModifiedAt: now,
		Config:     cfg,
	}
	if err := e.store.CreateQueue(ctx, q); err != nil {
		if err == store.ErrQueueAlreadyExists {
			return nil, errf(CodeQueueAlreadyExists, "queue %q already exists with a different configuration", name)
		}
		return nil, err
	}
	return e.store.GetQueue(ctx, q.ID)
}

// SendInput carries the caller-controlled parts of a send.
type SendInput struct {
	Body             string
	DelaySeconds     *int // nil means use the queue default
	GroupID          string
	DedupID          string
	Attributes       map[string]models.AttributeValue
	SystemAttributes map[string]models.AttributeValue
}

// Send validates the message against the queue's FIFO settings and persists
// it. A delayed message starts hidden until its delay elapses; an undelayed
// one is eligible immediately.
func (e *QueueEngine) Send(ctx context.Context, q *models.Queue, in SendInput) (*models.QueueMessage, error) {
	if in.Body == "" {
		return nil, errf(CodeNoBody, "message body is required")
	}
	if q.Config.FifoQueue {
		if in.GroupID == "" {
			return nil, errf(CodeFifo, "MessageGroupId is required for FIFO queues")
		}
		if in.DedupID == "" && !q.Config.ContentBasedDeduplication {
			return nil, errf(CodeFifo, "MessageDeduplicationId is required when ContentBasedDeduplication is disabled")
		}
	} else {
		if in.GroupID != "" {
			return nil, errf(CodeFifo, "MessageGroupId is only valid for FIFO queues")
		}
		if in.DedupID != "" {
			return nil, errf(CodeFifo, "MessageDeduplicationId is only valid for FIFO queues")
		}
	}

	delay := q.Config.DelaySeconds
	if in.DelaySeconds != nil {
		delay = *in.DelaySeconds
	}

	now := e.now()
	// An undelayed message gets the epoch so every replica agrees it is
	// already visible regardless of clock skew.
	visibleAfter := time.Unix(0, 0)
	if delay > 0 {
		visibleAfter = now.Add(time.Duration(delay) * time.Second)
	}

	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]models.AttributeValue{}
	}
	sysAttrs := in.SystemAttributes
	if sysAttrs == nil {
		sysAttrs = map[string]models.AttributeValue{}
	}

	m := &models.QueueMessage{
		ID:               uuid.NewString(),
		QueueID:          q.ID,
		CreatedAt:        now,
		ModifiedAt:       now,
		Lifecycle:        models.LifecycleWaiting,
		VisibleAfter:     &visibleAfter,
		Body:             in.Body,
		DelaySeconds:     delay,
		GroupID:          in.GroupID,
		DedupID:          in.DedupID,
		Attributes:       attrs,
		SystemAttributes: sysAttrs,
	}
	if err := e.store.InsertQueueMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Receive hands out up to max currently eligible messages. Each returned
// message was claimed with a conditional update, so no other consumer got the
// same delivery; candidates lost to a concurrent consumer are silently
// dropped rather than retried.
func (e *QueueEngine) Receive(ctx context.Context, q *models.Queue, max int, visibilityTimeout time.Duration) ([]Delivery, error) {
	if max <= 0 || max > ReceiveBatchMax {
		max = ReceiveBatchMax
	}

	now := e.now()
	candidates, err := e.store.ListEligibleMessages(ctx, q.ID, now, max)
	if err != nil {
		return nil, err
	}

	visibleUntil := now.Add(visibilityTimeout)
	deliveries := make([]Delivery, 0, len(candidates))
	for _, m := range candidates {
		claimed, err := e.store.ClaimQueueMessage(ctx, m, now, visibleUntil)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		deliveries = append(deliveries, Delivery{
			Message:       m,
			ReceiptHandle: fmt.Sprintf("%s/%d", m.ID, m.TotalDeliveries-1),
		})
	}
	return deliveries, nil
}

// ReceiveWait is Receive with long polling: if nothing is eligible it
// re-checks every PollInterval until wait elapses, then returns an empty
// result. A cancelled context also returns empty, not an error, so a client
// hanging up mid-poll is unremarkable.
func (e *QueueEngine) ReceiveWait(ctx context.Context, q *models.Queue, max int, visibilityTimeout, wait time.Duration) ([]Delivery, error) {
	polled := e.now()
	err := e.store.UpdateQueue(ctx, q.ID, func(q *models.Queue) {
		q.LastPolledAt = &polled
	})
	if err != nil {
		return nil, err
	}

	deliveries, err := e.Receive(ctx, q, max, visibilityTimeout)
	if err != nil || len(deliveries) > 0 || wait <= 0 {
		return deliveries, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			deliveries, err := e.Receive(ctx, q, max, visibilityTimeout)
			if err != nil {
				return nil, err
			}
			if len(deliveries) > 0 {
				return deliveries, nil
			}
		}
	}
}

// Delete acknowledges a delivered message by receipt handle. The handle
// embeds the delivery count observed when it was issued; if the message has
// been redelivered since, the handle is stale and the delete is rejected.
func (e *QueueEngine) Delete(ctx context.Context, q *models.Queue, receiptHandle string) error {
	messageID, seq, ok := strings.Cut(receiptHandle, "/")
	if !ok {
		return errf(CodeInvalidReceiptHandle, "malformed receipt handle")
	}
	deliveries, err := strconv.Atoi(seq)
	if err != nil || deliveries < 0 || messageID == "" {
		return errf(CodeInvalidReceiptHandle, "malformed receipt handle")
	}

	deleted, err := e.store.DeleteQueueMessage(ctx, q.ID, messageID, deliveries+1, e.now())
	if err != nil {
		return err
	}
	if !deleted {
		return errf(CodeInvalidReceiptHandle, "receipt handle is stale or unknown")
	}
	return nil
}
