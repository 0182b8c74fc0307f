package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/store"
)

// DefaultDepthInterval is how often queue depth counters are refreshed.
const DefaultDepthInterval = 10 * time.Second

type depthCounts struct {
	active     int
	visible    int
	delayed    int
	notVisible int
}

// DepthAggregator periodically recomputes the denormalized per-queue message
// counters from the tracked (non-deleted) messages. The counters are
// approximations by construction; anything that happened since the last
// sweep is not reflected.
type DepthAggregator struct {
	store store.Store
	log   *slog.Logger

	// Interval between sweeps.
	Interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewDepthAggregator(st store.Store, log *slog.Logger) *DepthAggregator {
	return &DepthAggregator{
		store:    st,
		log:      log,
		Interval: DefaultDepthInterval,
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

func (a *DepthAggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

func (a *DepthAggregator) Stop() {
	close(a.quit)
	a.wg.Wait()
}

func (a *DepthAggregator) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single aggregation sweep. Queues with no tracked
// messages are reset to zero rather than skipped, so a drained queue does
// not report its last non-zero depth forever.
func (a *DepthAggregator) RunOnce(ctx context.Context) {
	msgs, err := a.store.ListTrackedMessages(ctx)
	if err != nil {
		a.log.Error("depth: listing tracked messages", "error", err)
		return
	}

	now := a.now()
	counts := make(map[string]depthCounts)
	for _, m := range msgs {
		c := counts[m.QueueID]
		c.active++
		switch {
		case m.VisibleAfter != nil && m.VisibleAfter.Before(now):
			c.visible++
		case m.Lifecycle == models.LifecycleWaiting:
			c.delayed++
		default:
			c.notVisible++
		}
		counts[m.QueueID] = c
	}

	queues, err := a.store.ListAllQueues(ctx)
	if err != nil {
		a.log.Error("depth: listing queues", "error", err)
		return
	}
	for _, q := range queues {
		c := counts[q.ID]
		if q.MessagesActive == c.active && q.MessagesVisible == c.visible &&
			q.MessagesDelayed == c.delayed && q.MessagesNotVisible == c.notVisible {
			continue
		}
		err := a.store.UpdateQueue(ctx, q.ID, func(q *models.Queue) {
			q.MessagesActive = c.active
			q.MessagesVisible = c.visible
			q.MessagesDelayed = c.delayed
			q.MessagesNotVisible = c.notVisible
		})
		if err != nil {
			a.log.Error("depth: updating queue counters", "queueId", q.ID, "error", err)
		}
	}
}
