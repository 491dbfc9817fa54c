// Package audit keeps the append-only record of committed status transitions.
// Entries are never edited or removed; readers always receive copies.
package audit

import (
	"sync"

	"lobbyline/internal/domain"
)

type Trail struct {
	mu       sync.RWMutex
	byTicket map[string][]domain.StatusTransition
	log      []domain.StatusTransition
}

func New() *Trail {
	return &Trail{byTicket: make(map[string][]domain.StatusTransition)}
}

// Append records a committed transition in commit order.
func (t *Trail) Append(tr domain.StatusTransition) {
	t.mu.Lock()
	t.byTicket[tr.TicketID] = append(t.byTicket[tr.TicketID], tr)
	t.log = append(t.log, tr)
	t.mu.Unlock()
}

// Seed loads history recovered from storage. Tickets already known are skipped.
func (t *Trail) Seed(history []domain.StatusTransition) {
	if len(history) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := history[0].TicketID
	if _, ok := t.byTicket[id]; ok {
		return
	}
	t.byTicket[id] = append([]domain.StatusTransition(nil), history...)
	t.log = append(t.log, history...)
}

func (t *Trail) History(ticketID string) []domain.StatusTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.StatusTransition(nil), t.byTicket[ticketID]...)
}

// Since returns the entries committed after the first n, for incremental readers.
func (t *Trail) Since(n int) []domain.StatusTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(t.log) {
		return nil
	}
	return append([]domain.StatusTransition(nil), t.log[n:]...)
}

func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}
