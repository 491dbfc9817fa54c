package events

import (
	"log/slog"
	"sync"

	"lobbyline/internal/domain"
)

// Handler observes every published event synchronously, in publish order.
type Handler func(domain.Event)

// Bus fans coordinator events out to in-process handlers and to streaming
// subscribers. Subscribers that fall behind lose events rather than stall
// the publisher.
type Bus struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
	subs     map[chan domain.Event]string
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Logger: logger, subs: make(map[chan domain.Event]string)}
}

func (b *Bus) Handle(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Subscribe returns a channel of events for one branch, or for all branches
// when branchID is empty.
func (b *Bus) Subscribe(branchID string) chan domain.Event {
	ch := make(chan domain.Event, 256)
	b.mu.Lock()
	b.subs[ch] = branchID
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Publish(evts ...domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range evts {
		for _, h := range b.handlers {
			h(evt)
		}
		for ch, branchID := range b.subs {
			if branchID != "" && branchID != evt.BranchID {
				continue
			}
			select {
			case ch <- evt:
			default:
				b.Logger.Warn("dropping event for slow subscriber", "branch_id", evt.BranchID, "type", evt.Type)
			}
		}
	}
}
