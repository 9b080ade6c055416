package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

const defaultBuffer = 64

// Publisher accepts row changes for delivery to subscribers.
type Publisher interface {
	Publish(ctx context.Context, c models.Change) error
}

type subscriber struct {
	owner string
	ch    chan models.Change
}

// Hub fans changes out to the subscribers owning the changed row.
type Hub struct {
	logger *zap.SugaredLogger
	buffer int

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger: logger,
		buffer: defaultBuffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a listener for owner's rows. The channel is closed when
// cancel is called, when the hub closes, or when the listener falls behind.
func (h *Hub) Subscribe(owner string) (<-chan models.Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.Change, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = &subscriber{owner: owner, ch: ch}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.drop(id)
	}
}

func (h *Hub) Publish(ctx context.Context, c models.Change) error {
	owner := c.OwnerID()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if sub.owner != owner {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			// the client resubscribes and refetches
			h.logger.Warnw("feed subscriber is too slow, disconnecting", "owner", owner)
			h.drop(id)
		}
	}
	return nil
}

// Subscribers reports the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id := range h.subs {
		h.drop(id)
	}
}

func (h *Hub) drop(id uint64) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.Change) error { return nil }
