package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

// TopicEngine implements topic management, subscription and publish. Actual
// delivery to subscribers is asynchronous and belongs to the FanoutEngine.
type TopicEngine struct {
	store store.Store
	log   *slog.Logger

	now func() time.Time
}

func NewTopicEngine(st store.Store, log *slog.Logger) *TopicEngine {
	return &TopicEngine{store: st, log: log, now: time.Now}
}

// TopicARN builds the id under which a topic is stored.
func TopicARN(region, accountID, name string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", region, accountID, name)
}

func (e *TopicEngine) CreateTopic(ctx context.Context, region, accountID, name string, cfg models.TopicConfig, tags map[string]string) (*models.Topic, error) {
	if cfg.FifoTopic != strings.HasSuffix(name, ".fifo") {
		return nil, errf(CodeInvalidParameter, "topic name and FifoTopic attribute must agree")
	}
	if cfg.ContentBasedDeduplication && !cfg.FifoTopic {
		return nil, errf(CodeInvalidParameter, "ContentBasedDeduplication requires a FIFO topic")
	}
	if tags == nil {
		tags = map[string]string{}
	}

	now := e.now()
	t := &models.Topic{
		ID:         TopicARN(region, accountID, name),
		Region:     region,
		AccountID:  accountID,
		Name:       name,
		Tags:       tags,
		CreatedAt:  now,
		ModifiedAt: now,
		Config:     cfg,
	}
	err := e.store.CreateTopic(ctx, t)
	if err == store.ErrTopicAlreadyExists {
		// CreateTopic is idempotent; attributes of the existing topic win.
		return e.store.GetTopic(ctx, t.ID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Subscribe attaches a queue endpoint to a topic. Only the queue protocol is
// supported; the endpoint must name an existing queue.
func (e *TopicEngine) Subscribe(ctx context.Context, topic *models.Topic, protocol, endpoint string, cfg models.SubscriptionConfig) (*models.TopicSubscription, error) {
	if models.EndpointProtocol(protocol) != models.EndpointQueue {
		return nil, errf(CodeUnimplemented, "subscription protocol %q is not supported", protocol)
	}
	if _, err := e.store.GetQueue(ctx, endpoint); err != nil {
		if err == store.ErrQueueDoesNotExist {
			return nil, errf(CodeInvalidParameter, "endpoint %q is not a known queue", endpoint)
		}
		return nil, err
	}

	now := e.now()
	sub := &models.TopicSubscription{
		ID:         fmt.Sprintf("%s:%s", topic.ID, uuid.NewString()),
		AccountID:  topic.AccountID,
		TopicID:    topic.ID,
		CreatedAt:  now,
		ModifiedAt: now,
		Endpoint: models.SubscriptionEndpoint{
			Protocol: models.EndpointQueue,
			QueueID:  endpoint,
		},
		// Local queue subscriptions skip the confirmation handshake.
		PendingConfirmation:          false,
		ConfirmationWasAuthenticated: true,
		Config:                       cfg,
	}
	if err := e.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// PublishInput carries the caller-controlled parts of a publish.
type PublishInput struct {
	Subject          string
	Body             string
	GroupID          string
	DedupID          string
	Attributes       map[string]models.AttributeValue
	MessageStructure string
}

// Publish records the message with the topic's current subscribers as its
// pending set and returns immediately; the fan-out engine delivers from
// there. Publishing to a topic with no subscribers completes trivially.
func (e *TopicEngine) Publish(ctx context.Context, topic *models.Topic, in PublishInput) (*models.TopicMessage, error) {
	if in.Body == "" {
		return nil, errf(CodeNoBody, "message body is required")
	}
	if topic.Config.FifoTopic {
		if in.GroupID == "" {
			return nil, errf(CodeFifo, "MessageGroupId is required for FIFO topics")
		}
		if in.DedupID == "" && !topic.Config.ContentBasedDeduplication {
			return nil, errf(CodeFifo, "MessageDeduplicationId is required when ContentBasedDeduplication is disabled")
		}
	} else {
		if in.GroupID != "" {
			return nil, errf(CodeFifo, "MessageGroupId is only valid for FIFO topics")
		}
		if in.DedupID != "" {
			return nil, errf(CodeFifo, "MessageDeduplicationId is only valid for FIFO topics")
		}
	}

	attrs := in.Attributes
	if attrs == nil {
		attrs = map[string]models.AttributeValue{}
	}

	now := e.now()
	m := &models.TopicMessage{
		ID:               uuid.NewString(),
		TopicID:          topic.ID,
		CreatedAt:        now,
		ModifiedAt:       now,
		Subject:          in.Subject,
		Body:             in.Body,
		GroupID:          in.GroupID,
		DedupID:          in.DedupID,
		Attributes:       attrs,
		MessageStructure: in.MessageStructure,
	}
	if err := e.store.InsertTopicMessage(ctx, m); err != nil {
		return nil, err
	}
	if len(m.UndeliveredTo) == 0 {
		// Nothing to fan out; stamp completion right away.
		if err := e.store.StampTopicMessageDelivered(ctx, m.ID, now); err != nil {
			return nil, err
		}
	}
	return m, nil
}
