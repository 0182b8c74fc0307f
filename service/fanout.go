package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

// DefaultFanoutInterval is how often the fan-out sweep runs.
const DefaultFanoutInterval = 5 * time.Second

// FanoutBatch caps how many pending topic messages one sweep picks up.
const FanoutBatch = 10

// Notification is the JSON envelope wrapped around a published message when
// the subscription does not request raw delivery.
type Notification struct {
	Type      string    `json:"Type"`
	MessageId string    `json:"MessageId"`
	TopicArn  string    `json:"TopicArn"`
	Subject   string    `json:"Subject,omitempty"`
	Message   string    `json:"Message"`
	Timestamp time.Time `json:"Timestamp"`
}

// FanoutEngine delivers published topic messages to their pending
// subscribers. Each sweep picks up the oldest messages that still have
// undelivered subscribers and attempts every pending delivery concurrently.
// A failed delivery stays pending and is retried on the next sweep, forever;
// a delivery that succeeded but whose bookkeeping raced another sweep may be
// repeated, which is the at-least-once contract.
type FanoutEngine struct {
	store  store.Store
	queues *QueueEngine
	log    *slog.Logger

	// Interval between sweeps.
	Interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewFanoutEngine(st store.Store, queues *QueueEngine, log *slog.Logger) *FanoutEngine {
	return &FanoutEngine{
		store:    st,
		queues:   queues,
		log:      log,
		Interval: DefaultFanoutInterval,
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

func (e *FanoutEngine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

func (e *FanoutEngine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

func (e *FanoutEngine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single fan-out sweep.
func (e *FanoutEngine) RunOnce(ctx context.Context) {
	msgs, err := e.store.ListUndeliveredTopicMessages(ctx, FanoutBatch)
	if err != nil {
		e.log.Error("fanout: listing pending messages", "error", err)
		return
	}

	for _, m := range msgs {
		var wg sync.WaitGroup
		for _, subID := range m.UndeliveredTo {
			wg.Add(1)
			go func(subID string) {
				defer wg.Done()
				e.deliver(ctx, m, subID)
			}(subID)
		}
		wg.Wait()

		// Re-read after the attempts; if everything landed, stamp the
		// message so its completion time is visible.
		final, err := e.store.GetTopicMessage(ctx, m.ID)
		if err != nil {
			e.log.Error("fanout: re-reading message", "messageId", m.ID, "error", err)
			continue
		}
		if len(final.UndeliveredTo) == 0 && final.LastDeliveredAt == nil {
			if err := e.store.StampTopicMessageDelivered(ctx, m.ID, e.now()); err != nil {
				e.log.Error("fanout: stamping message", "messageId", m.ID, "error", err)
			}
		}
	}
}

func (e *FanoutEngine) deliver(ctx context.Context, m *models.TopicMessage, subID string) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		e.log.Warn("fanout: fetching subscription", "subscriptionId", subID, "error", err)
		return
	}

	switch sub.Endpoint.Protocol {
	case models.EndpointQueue:
		err = e.deliverQueue(ctx, m, sub)
	default:
		e.log.Warn("fanout: unsupported endpoint protocol",
			"subscriptionId", subID, "protocol", sub.Endpoint.Protocol)
		return
	}
	if err != nil {
		// Leave the subscriber pending; the next sweep retries.
		e.log.Warn("fanout: delivery failed",
			"messageId", m.ID, "subscriptionId", subID, "error", err)
		return
	}

	if err := e.store.MarkTopicMessageDelivered(ctx, m.ID, subID, e.now()); err != nil {
		e.log.Error("fanout: recording delivery",
			"messageId", m.ID, "subscriptionId", subID, "error", err)
	}
}

func (e *FanoutEngine) deliverQueue(ctx context.Context, m *models.TopicMessage, sub *models.TopicSubscription) error {
	q, err := e.store.GetQueue(ctx, sub.Endpoint.QueueID)
	if err != nil {
		return err
	}

	body := m.Body
	if !sub.Config.RawMessageDelivery {
		envelope, err := json.Marshal(Notification{
			Type:      "Notification",
			MessageId: m.ID,
			TopicArn:  m.TopicID,
			Subject:   m.Subject,
			Message:   m.Body,
			Timestamp: m.CreatedAt.UTC(),
		})
		if err != nil {
			return err
		}
		body = string(envelope)
	}

	_, err = e.queues.Send(ctx, q, SendInput{
		Body:       body,
		GroupID:    m.GroupID,
		DedupID:    m.DedupID,
		Attributes: m.Attributes,
	})
	return err
}
