package engine

import (
	"lobbyline/internal/domain"
)

// rule is one row of the transition table. Internal rules are only taken by
// the coordinator's own protocols (promotion, grace-period demotion, no-show)
// and are never reachable through RequestTransition.
type rule struct {
	from     domain.Status
	to       domain.Status
	actors   []domain.Actor
	internal bool
}

var (
	staff      = []domain.Actor{domain.ActorReception, domain.ActorTeller}
	everyone   = []domain.Actor{domain.ActorSystem, domain.ActorReception, domain.ActorTeller, domain.ActorCustomer}
	systemOnly = []domain.Actor{domain.ActorSystem}
)

var transitionTable = []rule{
	{from: domain.StatusRemoteWaiting, to: domain.StatusEligibleForEntry, actors: systemOnly, internal: true},
	{from: domain.StatusEligibleForEntry, to: domain.StatusInBuilding, actors: []domain.Actor{domain.ActorCustomer, domain.ActorReception}},
	{from: domain.StatusEligibleForEntry, to: domain.StatusRemoteWaiting, actors: append(append([]domain.Actor{}, systemOnly...), staff...), internal: true},
	{from: domain.StatusInBuilding, to: domain.StatusRemoteWaiting, actors: []domain.Actor{domain.ActorReception}},
	{from: domain.StatusInBuilding, to: domain.StatusInService, actors: []domain.Actor{domain.ActorTeller}},
	{from: domain.StatusInService, to: domain.StatusServed, actors: staff},
	{from: domain.StatusInService, to: domain.StatusCompleted, actors: staff},
}

func lookupRule(from, to domain.Status) (rule, bool) {
	for _, r := range transitionTable {
		if r.from == from && r.to == to {
			return r, true
		}
	}
	// cancellation: any non-terminal state may be removed by anyone
	if to == domain.StatusRemoved && !from.Terminal() {
		return rule{from: from, to: to, actors: everyone}, true
	}
	return rule{}, false
}

func (r rule) permits(a domain.Actor) bool {
	for _, v := range r.actors {
		if v == a {
			return true
		}
	}
	return false
}

// CanTransition reports whether actor may request from -> to from outside
// the coordinator. Capacity is not considered.
func CanTransition(from, to domain.Status, actor domain.Actor) bool {
	r, ok := lookupRule(from, to)
	return ok && !r.internal && r.permits(actor)
}

type change struct {
	to      domain.Status
	actor   domain.Actor
	reason  string
	counter string
	// internal marks calls made by the coordinator's own protocols
	internal bool
}

func (tx *branchTx) validate(t *domain.Ticket, ch change) error {
	if t.Status.Terminal() {
		return &Error{Kind: KindStaleOperation, TicketID: t.ID, BranchID: t.BranchID, From: t.Status, To: ch.to, Actor: ch.actor}
	}
	invalid := func(detail string) error {
		return &Error{Kind: KindInvalidTransition, TicketID: t.ID, BranchID: t.BranchID, From: t.Status, To: ch.to, Actor: ch.actor, Detail: detail}
	}
	r, ok := lookupRule(t.Status, ch.to)
	if !ok {
		return invalid("")
	}
	if r.internal && !ch.internal {
		return invalid("reserved for the coordinator")
	}
	if !r.permits(ch.actor) {
		return invalid("actor not permitted")
	}
	if ch.to == domain.StatusInService && ch.counter == "" {
		return invalid("counter assignment required")
	}
	return nil
}

// transition validates and applies one status change. Entry into the
// building is gated by the admission controller; on refusal nothing changes.
func (tx *branchTx) transition(t *domain.Ticket, ch change) error {
	if err := tx.validate(t, ch); err != nil {
		return err
	}
	if ch.to == domain.StatusInBuilding && !tx.canAdmit() {
		if m := tx.c.metrics; m != nil {
			m.AdmissionRefused(t.BranchID)
		}
		return &Error{Kind: KindAtCapacity, TicketID: t.ID, BranchID: t.BranchID, From: t.Status, To: ch.to, Actor: ch.actor}
	}
	tx.apply(t, ch)
	return nil
}

func (tx *branchTx) apply(t *domain.Ticket, ch change) {
	now := tx.now
	from := t.Status
	switch ch.to {
	case domain.StatusEligibleForEntry:
		t.EligibleForEntryAt = &now
	case domain.StatusRemoteWaiting:
		t.EligibleForEntryAt = nil
		if from == domain.StatusInBuilding {
			t.LeftBuildingAt = &now
			t.EnteredBuildingAt = nil
		}
	case domain.StatusInBuilding:
		t.EnteredBuildingAt = &now
	case domain.StatusInService:
		t.Counter = ch.counter
		t.ServiceStartedAt = &now
	case domain.StatusServed, domain.StatusCompleted:
		t.ServiceEndedAt = &now
		if t.EnteredBuildingAt != nil {
			wait := int(now.Sub(*t.EnteredBuildingAt).Minutes())
			t.WaitTimeMinutes = &wait
		}
	case domain.StatusRemoved:
		if from == domain.StatusInBuilding || from == domain.StatusInService {
			t.LeftBuildingAt = &now
		}
	}
	if ch.to != domain.StatusInService {
		t.Counter = ""
	}
	t.Status = ch.to
	tr := domain.StatusTransition{
		TicketID:    t.ID,
		From:        from,
		To:          ch.to,
		At:          now,
		TriggeredBy: ch.actor,
		Reason:      ch.reason,
	}
	t.StatusHistory = append(t.StatusHistory, tr)
	tx.c.audit.Append(tr)
	tx.touch(t)
	if m := tx.c.metrics; m != nil {
		m.TransitionCommitted(t.BranchID, from, ch.to, ch.actor)
	}
	tx.c.logger.Debug("ticket transition", "branch_id", t.BranchID, "ticket_id", t.ID, "from", from, "to", ch.to, "actor", ch.actor)
}
