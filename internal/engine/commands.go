package engine

import (
	"context"
	"strings"

	"lobbyline/internal/domain"
)

// JoinQueue registers a remote customer at the back of the branch's queue.
// Pausing joins is enforced by callers; the coordinator accepts the join.
func (c *Coordinator) JoinQueue(ctx context.Context, branchID string, info domain.CustomerInfo) (domain.Ticket, error) {
	var out domain.Ticket
	err := c.within(branchID, c.now(), func(tx *branchTx) error {
		t := &domain.Ticket{
			ID:              c.newID(),
			BranchID:        branchID,
			QueueNumber:     tx.nextNumber(),
			Status:          domain.StatusRemoteWaiting,
			CustomerName:    strings.TrimSpace(info.Name),
			CustomerPhone:   strings.TrimSpace(info.Phone),
			ServiceCategory: strings.TrimSpace(info.ServiceCategory),
			Owner:           info.Owner,
			JoinedAt:        tx.now,
		}
		tx.st.tickets[t.ID] = t
		c.mu.Lock()
		c.index[t.ID] = branchID
		c.mu.Unlock()
		tx.cause = "joined"
		tx.touch(t)
		tx.fill()
		out = t.Clone()
		return nil
	})
	return out, err
}

// TransitionRequest is an externally initiated status change.
type TransitionRequest struct {
	TicketID string
	Target   domain.Status
	Actor    domain.Actor
	Reason   string
	// Counter is the teller/counter assignment, required when Target is IN_SERVICE.
	Counter string
}

func (c *Coordinator) RequestTransition(ctx context.Context, req TransitionRequest) (domain.Ticket, error) {
	var out domain.Ticket
	err := c.withinTicket(req.TicketID, func(tx *branchTx, t *domain.Ticket) error {
		out = t.Clone()
		tx.cause = "transition"
		err := tx.transition(t, change{
			to:      req.Target,
			actor:   req.Actor,
			reason:  strings.TrimSpace(req.Reason),
			counter: strings.TrimSpace(req.Counter),
		})
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			tx.compact()
		}
		tx.fill()
		out = t.Clone()
		return nil
	})
	return out, err
}

// ConfirmEntry is the customer's confirmation that they walked in.
func (c *Coordinator) ConfirmEntry(ctx context.Context, ticketID string) (domain.Ticket, error) {
	return c.RequestTransition(ctx, TransitionRequest{
		TicketID: ticketID,
		Target:   domain.StatusInBuilding,
		Actor:    domain.ActorCustomer,
		Reason:   "entry confirmed",
	})
}

// FlagNoShow marks a ticket whose customer did not turn up. An invited ticket
// flagged for the first time goes back to waiting with the demotion penalty;
// a waiting ticket or a repeat offender is removed.
func (c *Coordinator) FlagNoShow(ctx context.Context, ticketID string, actor domain.Actor) (domain.Ticket, error) {
	var out domain.Ticket
	err := c.withinTicket(ticketID, func(tx *branchTx, t *domain.Ticket) error {
		out = t.Clone()
		tx.cause = "no_show"
		ch := change{to: domain.StatusRemoved, actor: actor, reason: "no-show", internal: true}
		if t.Status == domain.StatusEligibleForEntry && !t.IsNoShow {
			ch.to = domain.StatusRemoteWaiting
		}
		if actor != domain.ActorReception && actor != domain.ActorTeller {
			return &Error{Kind: KindInvalidTransition, TicketID: t.ID, BranchID: t.BranchID, From: t.Status, To: ch.to, Actor: actor, Detail: "actor not permitted"}
		}
		if !t.Status.Terminal() && t.Status != domain.StatusEligibleForEntry && t.Status != domain.StatusRemoteWaiting {
			return &Error{Kind: KindInvalidTransition, TicketID: t.ID, BranchID: t.BranchID, From: t.Status, To: ch.to, Actor: actor, Detail: "only waiting or invited tickets can be flagged"}
		}
		if err := tx.validate(t, ch); err != nil {
			return err
		}
		t.IsNoShow = true
		if ch.to == domain.StatusRemoteWaiting {
			tx.demote(t, actor, "no-show")
		} else {
			tx.apply(t, ch)
		}
		tx.compact()
		tx.fill()
		out = t.Clone()
		return nil
	})
	return out, err
}

// RateTicket attaches post-service feedback. It is the only change allowed on
// a served ticket and does not touch the status history.
func (c *Coordinator) RateTicket(ctx context.Context, ticketID string, rating int) (domain.Ticket, error) {
	var out domain.Ticket
	err := c.withinTicket(ticketID, func(tx *branchTx, t *domain.Ticket) error {
		out = t.Clone()
		if rating < 1 || rating > 5 {
			return &Error{Kind: KindInvalidRating, TicketID: t.ID, Detail: "rating must be between 1 and 5"}
		}
		if t.Status != domain.StatusServed && t.Status != domain.StatusCompleted {
			return &Error{Kind: KindInvalidRating, TicketID: t.ID, From: t.Status, Detail: "only served tickets can be rated"}
		}
		t.FeedbackRating = &rating
		tx.cause = "rated"
		tx.touch(t)
		out = t.Clone()
		return nil
	})
	return out, err
}

func (c *Coordinator) Ticket(ticketID string) (domain.Ticket, error) {
	var out domain.Ticket
	branchID, err := c.branchOf(ticketID)
	if err != nil {
		return out, err
	}
	st, err := c.state(branchID)
	if err != nil {
		return out, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.tickets[ticketID]
	if !ok {
		return out, &Error{Kind: KindTicketNotFound, TicketID: ticketID}
	}
	return t.Clone(), nil
}

// History returns the committed transitions of a ticket in commit order.
func (c *Coordinator) History(ticketID string) ([]domain.StatusTransition, error) {
	if _, err := c.branchOf(ticketID); err != nil {
		return nil, err
	}
	return c.audit.History(ticketID), nil
}

// Queue returns the branch's active tickets ordered by queue number.
func (c *Coordinator) Queue(branchID string) ([]domain.Ticket, error) {
	return c.Tickets(branchID, false)
}

func (c *Coordinator) Tickets(branchID string, includeTerminal bool) ([]domain.Ticket, error) {
	st, err := c.state(branchID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tx := &branchTx{c: c, st: st}
	keep := active
	if includeTerminal {
		keep = nil
	}
	items := tx.sorted(keep)
	out := make([]domain.Ticket, 0, len(items))
	for _, t := range items {
		out = append(out, t.Clone())
	}
	return out, nil
}

// QueueEntry is one line of a branch snapshot.
type QueueEntry struct {
	Ticket               domain.Ticket `json:"ticket"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
}

// Snapshot is a consistent view of a branch taken under its lock.
type Snapshot struct {
	Branch     domain.Branch `json:"branch"`
	Occupancy  int           `json:"occupancy"`
	Waiting    int           `json:"waiting"`
	Eligible   int           `json:"eligible"`
	InBuilding int           `json:"in_building"`
	InService  int           `json:"in_service"`
	Queue      []QueueEntry  `json:"queue"`
}

func (c *Coordinator) Snapshot(branchID string) (Snapshot, error) {
	st, err := c.state(branchID)
	if err != nil {
		return Snapshot{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tx := &branchTx{c: c, st: st}
	snap := Snapshot{Branch: st.branch, Occupancy: tx.occupancy(), Queue: []QueueEntry{}}
	rank := 0
	for _, t := range tx.sorted(active) {
		entry := QueueEntry{Ticket: t.Clone()}
		switch t.Status {
		case domain.StatusRemoteWaiting:
			snap.Waiting++
			rank++
			entry.EstimatedWaitMinutes = estimateWait(rank, st.branch)
		case domain.StatusEligibleForEntry:
			snap.Eligible++
		case domain.StatusInBuilding:
			snap.InBuilding++
		case domain.StatusInService:
			snap.InService++
		}
		snap.Queue = append(snap.Queue, entry)
	}
	return snap, nil
}

// estimateWait is an advisory figure for display boards.
func estimateWait(rank int, b domain.Branch) int {
	if b.MaxOccupancy <= 0 || b.AverageServiceMinutes <= 0 {
		return 0
	}
	return (rank*b.AverageServiceMinutes + b.MaxOccupancy - 1) / b.MaxOccupancy
}
