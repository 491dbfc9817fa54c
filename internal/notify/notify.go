// Package notify tells customers when they are invited in or sent back to
// the remote queue. Delivery is best effort: failures are logged and never
// reach the coordinator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lobbyline/internal/domain"
)

// Notification is the message sent for a promotion or a demotion.
type Notification struct {
	ID           string           `json:"id"`
	Type         domain.EventType `json:"type"`
	BranchID     string           `json:"branch_id"`
	TicketID     string           `json:"ticket_id"`
	QueueNumber  int              `json:"queue_number"`
	CustomerName string           `json:"customer_name,omitempty"`
	Phone        string           `json:"phone,omitempty"`
	Message      string           `json:"message"`
	Reason       string           `json:"reason,omitempty"`
	At           time.Time        `json:"at"`
}

// FromEvent builds a notification for promoted and demoted events.
func FromEvent(evt domain.Event) (Notification, bool) {
	if evt.Ticket == nil {
		return Notification{}, false
	}
	n := Notification{
		ID:           fmt.Sprintf("%s:%s:%d", evt.Ticket.ID, evt.Type, evt.At.UnixNano()),
		Type:         evt.Type,
		BranchID:     evt.BranchID,
		TicketID:     evt.Ticket.ID,
		QueueNumber:  evt.Ticket.QueueNumber,
		CustomerName: evt.Ticket.CustomerName,
		Phone:        evt.Ticket.CustomerPhone,
		Reason:       evt.Cause,
		At:           evt.At,
	}
	switch evt.Type {
	case domain.EventTicketPromoted:
		n.Message = fmt.Sprintf("Ticket %d: please come in now.", evt.Ticket.QueueNumber)
	case domain.EventTicketDemoted:
		n.Message = fmt.Sprintf("You missed your call and are now number %d in line.", evt.Ticket.QueueNumber)
	default:
		return Notification{}, false
	}
	return n, true
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, n Notification) error
}

// Dispatcher queues notifications from bus events and delivers them from a
// single goroutine.
type Dispatcher struct {
	publishers []Publisher
	logger     *slog.Logger
	timeout    time.Duration
	queue      chan Notification

	mu        sync.Mutex
	delivered int
	dropped   int
}

func NewDispatcher(logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		publishers: publishers,
		logger:     logger,
		timeout:    5 * time.Second,
		queue:      make(chan Notification, 1024),
	}
}

// Handle is an events.Handler. It never blocks.
func (d *Dispatcher) Handle(evt domain.Event) {
	n, ok := FromEvent(evt)
	if !ok {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("notification queue full, dropping", "branch_id", n.BranchID, "ticket_id", n.TicketID, "type", n.Type)
	}
}

// Run delivers queued notifications until ctx is done, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := p.Publish(ctx, n)
		cancel()
		if err != nil {
			d.logger.Error("notification failed", "publisher", p.Name(), "branch_id", n.BranchID, "ticket_id", n.TicketID, "type", n.Type, "err", err)
			continue
		}
	}
	d.mu.Lock()
	d.delivered++
	d.mu.Unlock()
}

// Stats returns how many notifications were processed and dropped.
func (d *Dispatcher) Stats() (delivered, dropped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.dropped
}

// LogPublisher writes notifications to the structured log.
type LogPublisher struct {
	Logger *slog.Logger
}

func (LogPublisher) Name() string { return "log" }

func (p LogPublisher) Publish(ctx context.Context, n Notification) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify customer", "branch_id", n.BranchID, "ticket_id", n.TicketID, "type", n.Type, "queue_number", n.QueueNumber, "message", n.Message)
	return nil
}
