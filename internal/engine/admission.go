package engine

import (
	"context"

	"lobbyline/internal/domain"
)

// occupancy is recomputed from the live ticket set on every call.
func (tx *branchTx) occupancy() int {
	n := 0
	for _, t := range tx.st.tickets {
		if tx.st.branch.CountsTowardOccupancy(t.Status) {
			n++
		}
	}
	return n
}

func (tx *branchTx) canAdmit() bool {
	return tx.occupancy() < tx.st.branch.MaxOccupancy
}

func (tx *branchTx) pending() int {
	n := 0
	for _, t := range tx.st.tickets {
		if t.Status == domain.StatusEligibleForEntry {
			n++
		}
	}
	return n
}

// admit moves an eligible ticket into the building if a seat is free.
func (tx *branchTx) admit(t *domain.Ticket, actor domain.Actor, reason string) error {
	return tx.transition(t, change{to: domain.StatusInBuilding, actor: actor, reason: reason})
}

// promoteNext invites the lowest-numbered waiting ticket when a seat is free.
// Tickets already invited hold their seat until they confirm or are demoted,
// so a promotion also requires occupancy plus outstanding invitations to be
// below capacity. It is a no-op otherwise.
func (tx *branchTx) promoteNext() (*domain.Ticket, bool) {
	tx.tighten()
	if tx.st.target != 0 || !tx.canAdmit() {
		return nil, false
	}
	occ := tx.occupancy()
	if occ+tx.pending() >= tx.st.branch.MaxOccupancy {
		return nil, false
	}
	var next *domain.Ticket
	for _, t := range tx.sorted(withStatus(domain.StatusRemoteWaiting)) {
		if tx.demoted[t.ID] {
			continue
		}
		next = t
		break
	}
	if next == nil {
		return nil, false
	}
	err := tx.transition(next, change{to: domain.StatusEligibleForEntry, actor: domain.ActorSystem, reason: "capacity available", internal: true})
	if err != nil {
		tx.c.logger.Error("promotion failed", "branch_id", next.BranchID, "ticket_id", next.ID, "err", err)
		return nil, false
	}
	tx.emit(domain.EventTicketPromoted, next, domain.ActorSystem, "capacity available", occ+1)
	return next, true
}

// tighten lowers a deferred max occupancy as far as the people inside and
// the outstanding invitations allow.
func (tx *branchTx) tighten() {
	target := tx.st.target
	if target == 0 {
		return
	}
	limit := tx.occupancy() + tx.pending()
	if limit < target {
		limit = target
	}
	if limit < tx.st.branch.MaxOccupancy {
		tx.st.branch.MaxOccupancy = limit
		tx.c.logger.Info("max occupancy tightened", "branch_id", tx.st.branch.ID, "max_occupancy", limit, "target", target)
	}
	if tx.st.branch.MaxOccupancy <= target {
		tx.st.branch.MaxOccupancy = target
		tx.st.target = 0
	}
}

// fill runs promoteNext until it is a no-op. It is the post-condition of
// every command that can free a seat.
func (tx *branchTx) fill() {
	for i := 0; i <= len(tx.st.tickets); i++ {
		if _, ok := tx.promoteNext(); !ok {
			return
		}
	}
}

// Occupancy returns the live occupancy of a branch.
func (c *Coordinator) Occupancy(branchID string) (int, error) {
	st, err := c.state(branchID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tx := &branchTx{c: c, st: st}
	return tx.occupancy(), nil
}

// CanAdmit reports whether the branch has a free seat right now.
func (c *Coordinator) CanAdmit(branchID string) (bool, error) {
	st, err := c.state(branchID)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tx := &branchTx{c: c, st: st}
	return tx.canAdmit(), nil
}

// PromoteNext invites at most one waiting ticket. It returns nil when there is
// no free seat or nobody waiting. Outstanding invitations hold seats, so it
// can be a no-op while CanAdmit reports true.
func (c *Coordinator) PromoteNext(ctx context.Context, branchID string) (*domain.Ticket, error) {
	var out *domain.Ticket
	err := c.within(branchID, c.now(), func(tx *branchTx) error {
		if t, ok := tx.promoteNext(); ok {
			cp := t.Clone()
			out = &cp
		}
		return nil
	})
	return out, err
}
