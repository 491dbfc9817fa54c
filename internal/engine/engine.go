package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lobbyline/internal/audit"
	"lobbyline/internal/domain"
)

// DefaultDemotionPenalty is the number of positions a ticket loses when its
// grace period expires.
const DefaultDemotionPenalty = 4

// Recorder receives every event inside the branch's serialization unit, in
// commit order. Implementations must not block on I/O.
type Recorder interface {
	Record(evt domain.Event)
}

// Publisher receives events after the branch lock is released, in commit
// order per branch. Implementations must not call back into the Coordinator
// synchronously.
type Publisher interface {
	Publish(evts ...domain.Event)
}

// Metrics observes committed transitions and refused admissions.
type Metrics interface {
	TransitionCommitted(branchID string, from, to domain.Status, actor domain.Actor)
	AdmissionRefused(branchID string)
}

type Options struct {
	Now             func() time.Time
	Logger          *slog.Logger
	Recorder        Recorder
	Publisher       Publisher
	Metrics         Metrics
	Audit           *audit.Trail
	DemotionPenalty int
	NewID           func() string
}

// Coordinator is the composition root for ticket lifecycle and admission.
// All mutation of a branch's ticket set runs under that branch's mutex.
type Coordinator struct {
	now       func() time.Time
	logger    *slog.Logger
	recorder  Recorder
	publisher Publisher
	metrics   Metrics
	audit     *audit.Trail
	penalty   int
	newID     func() string

	mu       sync.RWMutex
	branches map[string]*branchState
	index    map[string]string
}

type branchState struct {
	mu      sync.Mutex
	branch  domain.Branch
	tickets map[string]*domain.Ticket
	// pub is taken before mu is released and held while publishing, so the
	// next unit on the branch publishes after this one.
	pub sync.Mutex
	// target is a lower max occupancy waiting for people to leave; 0 when none.
	target int
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		now:       opts.Now,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		penalty:   opts.DemotionPenalty,
		newID:     opts.NewID,
		branches:  make(map[string]*branchState),
		index:     make(map[string]string),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.audit == nil {
		c.audit = audit.New()
	}
	if c.penalty <= 0 {
		c.penalty = DefaultDemotionPenalty
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.New().String() }
	}
	return c
}

// Audit exposes the read-only transition trail.
func (c *Coordinator) Audit() *audit.Trail { return c.audit }

func (c *Coordinator) DemotionPenalty() int { return c.penalty }

// Now reads the coordinator clock.
func (c *Coordinator) Now() time.Time { return c.now() }

// RegisterBranch adds a branch or replaces its settings if it already exists.
func (c *Coordinator) RegisterBranch(ctx context.Context, b domain.Branch) (domain.Branch, error) {
	if err := b.Validate(); err != nil {
		return b, &Error{Kind: KindInvalidBranch, BranchID: b.ID, Detail: err.Error()}
	}
	c.mu.Lock()
	if _, ok := c.branches[b.ID]; !ok {
		c.branches[b.ID] = &branchState{branch: b, tickets: make(map[string]*domain.Ticket)}
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()
	return c.UpdateBranch(ctx, BranchUpdate{
		ID:                            b.ID,
		Name:                          &b.Name,
		MaxOccupancy:                  &b.MaxOccupancy,
		GracePeriodSeconds:            &b.GracePeriodSeconds,
		AverageServiceMinutes:         &b.AverageServiceMinutes,
		ExcludeInServiceFromOccupancy: &b.ExcludeInServiceFromOccupancy,
		Paused:                        &b.IsPaused,
	})
}

// BranchUpdate carries optional branch setting changes.
type BranchUpdate struct {
	ID                            string
	Name                          *string
	MaxOccupancy                  *int
	GracePeriodSeconds            *int
	AverageServiceMinutes         *int
	ExcludeInServiceFromOccupancy *bool
	Paused                        *bool
}

func (c *Coordinator) UpdateBranch(ctx context.Context, upd BranchUpdate) (domain.Branch, error) {
	var out domain.Branch
	err := c.within(upd.ID, c.now(), func(tx *branchTx) error {
		b := tx.st.branch
		if upd.Name != nil {
			b.Name = *upd.Name
		}
		if upd.MaxOccupancy != nil {
			b.MaxOccupancy = *upd.MaxOccupancy
		}
		if upd.GracePeriodSeconds != nil {
			b.GracePeriodSeconds = *upd.GracePeriodSeconds
		}
		if upd.AverageServiceMinutes != nil {
			b.AverageServiceMinutes = *upd.AverageServiceMinutes
		}
		if upd.ExcludeInServiceFromOccupancy != nil {
			b.ExcludeInServiceFromOccupancy = *upd.ExcludeInServiceFromOccupancy
		}
		if upd.Paused != nil {
			b.IsPaused = *upd.Paused
		}
		if err := b.Validate(); err != nil {
			return &Error{Kind: KindInvalidBranch, BranchID: b.ID, Detail: err.Error()}
		}
		if occ := occupancyUnder(b, tx.st.tickets); occ > b.MaxOccupancy {
			return &Error{Kind: KindAtCapacity, BranchID: b.ID, Detail: fmt.Sprintf("occupancy %d exceeds max_occupancy %d under the new settings", occ, b.MaxOccupancy)}
		}
		if upd.MaxOccupancy != nil {
			tx.st.target = 0
		}
		tx.st.branch = b
		tx.fill()
		out = b
		return nil
	})
	return out, err
}

// ShrinkCapacity lowers a branch's max occupancy. When more people are counted
// than max allows, the limit stays at the current occupancy plus outstanding
// invitations and tightens toward max as they leave. No one is invited until
// max is reached.
func (c *Coordinator) ShrinkCapacity(ctx context.Context, branchID string, max int) (domain.Branch, error) {
	if max <= 0 {
		return domain.Branch{}, &Error{Kind: KindInvalidBranch, BranchID: branchID, Detail: "max_occupancy must be > 0"}
	}
	var out domain.Branch
	err := c.within(branchID, c.now(), func(tx *branchTx) error {
		if max >= tx.st.branch.MaxOccupancy {
			tx.st.target = 0
			tx.st.branch.MaxOccupancy = max
			tx.fill()
		} else {
			tx.st.target = max
			tx.tighten()
		}
		if tx.st.target != 0 {
			c.logger.Warn("max occupancy deferred", "branch_id", branchID, "target", max, "current", tx.st.branch.MaxOccupancy)
		}
		out = tx.st.branch
		return nil
	})
	return out, err
}

func occupancyUnder(b domain.Branch, tickets map[string]*domain.Ticket) int {
	n := 0
	for _, t := range tickets {
		if b.CountsTowardOccupancy(t.Status) {
			n++
		}
	}
	return n
}

func (c *Coordinator) Branch(branchID string) (domain.Branch, error) {
	st, err := c.state(branchID)
	if err != nil {
		return domain.Branch{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.branch, nil
}

func (c *Coordinator) Branches() []domain.Branch {
	c.mu.RLock()
	states := make([]*branchState, 0, len(c.branches))
	for _, st := range c.branches {
		states = append(states, st)
	}
	c.mu.RUnlock()
	out := make([]domain.Branch, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.branch)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted tickets into a branch. It is meant for start-up
// rehydration before commands are accepted, and rejects ticket sets that
// violate the occupancy, ordering or history invariants. An invited ticket
// without an invitation time is stamped with the current time so its grace
// period runs.
func (c *Coordinator) Restore(ctx context.Context, b domain.Branch, tickets []domain.Ticket) error {
	if _, err := c.RegisterBranch(ctx, b); err != nil {
		return err
	}
	return c.within(b.ID, c.now(), func(tx *branchTx) error {
		seen := make(map[int]string)
		for _, t := range tx.st.tickets {
			if t.Active() {
				seen[t.QueueNumber] = t.ID
			}
		}
		occ := tx.occupancy()
		for _, t := range tickets {
			if t.BranchID != b.ID {
				return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "ticket belongs to another branch"}
			}
			if !t.Status.Valid() {
				return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "unknown status " + string(t.Status)}
			}
			if _, dup := tx.st.tickets[t.ID]; dup {
				return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "ticket already loaded"}
			}
			if n := len(t.StatusHistory); n == 0 && t.Status != domain.StatusRemoteWaiting {
				return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "status " + string(t.Status) + " without history"}
			} else if n > 0 && t.StatusHistory[n-1].To != t.Status {
				return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "last transition does not end in " + string(t.Status)}
			}
			if t.Active() {
				if other, dup := seen[t.QueueNumber]; dup {
					return &Error{Kind: KindInvalidBranch, BranchID: b.ID, TicketID: t.ID, Detail: "queue number shared with " + other}
				}
				seen[t.QueueNumber] = t.ID
			}
			if tx.st.branch.CountsTowardOccupancy(t.Status) {
				occ++
			}
		}
		if occ > tx.st.branch.MaxOccupancy {
			return &Error{Kind: KindInvalidBranch, BranchID: b.ID, Detail: "restored occupancy exceeds max_occupancy"}
		}
		c.mu.Lock()
		for _, t := range tickets {
			cp := t.Clone()
			if cp.Status == domain.StatusEligibleForEntry && cp.EligibleForEntryAt == nil {
				now := tx.now
				cp.EligibleForEntryAt = &now
				c.logger.Warn("restored invitation had no timestamp", "branch_id", b.ID, "ticket_id", cp.ID)
			}
			tx.st.tickets[cp.ID] = &cp
			c.index[cp.ID] = b.ID
			c.audit.Seed(cp.StatusHistory)
		}
		c.mu.Unlock()
		tx.occBefore = tx.occupancy()
		return nil
	})
}

func (c *Coordinator) state(branchID string) (*branchState, error) {
	c.mu.RLock()
	st, ok := c.branches[branchID]
	c.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindBranchNotFound, BranchID: branchID}
	}
	return st, nil
}

func (c *Coordinator) branchOf(ticketID string) (string, error) {
	c.mu.RLock()
	branchID, ok := c.index[ticketID]
	c.mu.RUnlock()
	if !ok {
		return "", &Error{Kind: KindTicketNotFound, TicketID: ticketID}
	}
	return branchID, nil
}

// within runs fn inside the branch's serialization unit. Events produced by
// fn are handed to the Recorder before the lock is released, so persistence
// observes commit order, and to the Publisher afterwards under the branch's
// publish lock, which is acquired before the unit lock is released.
func (c *Coordinator) within(branchID string, now time.Time, fn func(tx *branchTx) error) error {
	st, err := c.state(branchID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	tx := &branchTx{c: c, st: st, now: now, dirty: make(map[string]bool), demoted: make(map[string]bool)}
	tx.occBefore = tx.occupancy()
	err = fn(tx)
	evts := tx.finish()
	if c.recorder != nil {
		for _, evt := range evts {
			c.recorder.Record(evt)
		}
	}
	if c.publisher == nil || len(evts) == 0 {
		st.mu.Unlock()
		return err
	}
	st.pub.Lock()
	st.mu.Unlock()
	defer st.pub.Unlock()
	c.publisher.Publish(evts...)
	return err
}

// withinTicket resolves the ticket's branch and runs fn under its lock. The
// ticket is looked up again inside the lock.
func (c *Coordinator) withinTicket(ticketID string, fn func(tx *branchTx, t *domain.Ticket) error) error {
	branchID, err := c.branchOf(ticketID)
	if err != nil {
		return err
	}
	return c.within(branchID, c.now(), func(tx *branchTx) error {
		t, ok := tx.st.tickets[ticketID]
		if !ok {
			return &Error{Kind: KindTicketNotFound, TicketID: ticketID}
		}
		return fn(tx, t)
	})
}

// branchTx is the state of one serialized command on a branch.
type branchTx struct {
	c         *Coordinator
	st        *branchState
	now       time.Time
	occBefore int
	cause     string
	order     []string
	dirty     map[string]bool
	events    []domain.Event
	// tickets demoted in this unit are not re-invited by the same unit
	demoted map[string]bool
}

func (tx *branchTx) touch(t *domain.Ticket) {
	if tx.dirty[t.ID] {
		return
	}
	tx.dirty[t.ID] = true
	tx.order = append(tx.order, t.ID)
}

func (tx *branchTx) emit(typ domain.EventType, t *domain.Ticket, actor domain.Actor, cause string, rank int) {
	evt := domain.Event{
		Type:      typ,
		BranchID:  tx.st.branch.ID,
		Rank:      rank,
		Occupancy: tx.occupancy(),
		Actor:     actor,
		Cause:     cause,
		At:        tx.now,
	}
	if t != nil {
		snap := t.Clone()
		evt.Ticket = &snap
	}
	tx.events = append(tx.events, evt)
}

// finish appends one TicketUpdated per touched ticket, carrying its final
// state, and an OccupancyChanged when the count moved.
func (tx *branchTx) finish() []domain.Event {
	tx.tighten()
	for _, id := range tx.order {
		t, ok := tx.st.tickets[id]
		if !ok {
			continue
		}
		tx.emit(domain.EventTicketUpdated, t, "", tx.cause, 0)
	}
	if occ := tx.occupancy(); occ != tx.occBefore {
		tx.emit(domain.EventOccupancyChanged, nil, "", "", 0)
	}
	return tx.events
}

// sorted returns the branch's tickets matching keep, ordered by queue number.
func (tx *branchTx) sorted(keep func(*domain.Ticket) bool) []*domain.Ticket {
	var out []*domain.Ticket
	for _, t := range tx.st.tickets {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueNumber != out[j].QueueNumber {
			return out[i].QueueNumber < out[j].QueueNumber
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func active(t *domain.Ticket) bool { return t.Active() }

func withStatus(s domain.Status) func(*domain.Ticket) bool {
	return func(t *domain.Ticket) bool { return t.Status == s }
}
