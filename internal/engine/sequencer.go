package engine

import (
	"lobbyline/internal/domain"
)

// nextNumber is one past the highest queue number held by an active ticket.
func (tx *branchTx) nextNumber() int {
	highest := 0
	for _, t := range tx.st.tickets {
		if t.Active() && t.QueueNumber > highest {
			highest = t.QueueNumber
		}
	}
	return highest + 1
}

// compact renumbers active tickets 1..N keeping their relative order.
func (tx *branchTx) compact() {
	for i, t := range tx.sorted(active) {
		if t.QueueNumber != i+1 {
			t.QueueNumber = i + 1
			tx.touch(t)
		}
	}
}

// penalize moves t back by the demotion penalty: it swaps numbers with the
// active ticket holding the target position, or goes to the end of the line
// when nobody holds it.
func (tx *branchTx) penalize(t *domain.Ticket) {
	target := t.QueueNumber + tx.c.penalty
	for _, other := range tx.st.tickets {
		if other.ID != t.ID && other.Active() && other.QueueNumber == target {
			other.QueueNumber, t.QueueNumber = t.QueueNumber, other.QueueNumber
			tx.touch(other)
			tx.touch(t)
			return
		}
	}
	t.QueueNumber = tx.nextNumber()
	tx.touch(t)
}
