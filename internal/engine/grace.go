package engine

import (
	"context"
	"log/slog"
	"time"

	"lobbyline/internal/domain"
)

// SweepReport summarizes one pass of the grace-period monitor.
type SweepReport struct {
	At       time.Time         `json:"at"`
	Demoted  []string          `json:"demoted"`
	Promoted []string          `json:"promoted"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Tick demotes every invited ticket whose grace period has expired, branch by
// branch, then refills the freed invitations. A failure on one ticket is
// recorded and the sweep carries on.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) SweepReport {
	report := SweepReport{At: now, Demoted: []string{}, Promoted: []string{}}
	for _, b := range c.Branches() {
		if ctx.Err() != nil {
			break
		}
		err := c.within(b.ID, now, func(tx *branchTx) error {
			tx.cause = "grace_sweep"
			grace := tx.st.branch.GracePeriod()
			for _, t := range tx.sorted(withStatus(domain.StatusEligibleForEntry)) {
				// status is re-read under the lock; a confirm may have won the race
				if t.Status != domain.StatusEligibleForEntry || t.EligibleForEntryAt == nil {
					continue
				}
				if now.Sub(*t.EligibleForEntryAt) <= grace {
					continue
				}
				if err := tx.validate(t, change{to: domain.StatusRemoteWaiting, actor: domain.ActorSystem, internal: true}); err != nil {
					if report.Failures == nil {
						report.Failures = make(map[string]string)
					}
					report.Failures[t.ID] = err.Error()
					continue
				}
				tx.demote(t, domain.ActorSystem, "grace period expired")
				report.Demoted = append(report.Demoted, t.ID)
			}
			for {
				next, ok := tx.promoteNext()
				if !ok {
					break
				}
				report.Promoted = append(report.Promoted, next.ID)
			}
			return nil
		})
		if err != nil {
			c.logger.Error("grace sweep failed", "branch_id", b.ID, "err", err)
		}
	}
	return report
}

// demote sends an invited ticket back to the remote queue with the
// positional penalty. Callers validate the transition first.
func (tx *branchTx) demote(t *domain.Ticket, actor domain.Actor, reason string) {
	from := t.QueueNumber
	tx.penalize(t)
	tx.apply(t, change{to: domain.StatusRemoteWaiting, actor: actor, reason: reason, internal: true})
	now := tx.now
	t.BumpedAt = &now
	tx.demoted[t.ID] = true
	tx.compact()
	tx.emit(domain.EventTicketDemoted, t, actor, reason, t.QueueNumber)
	tx.c.logger.Info("ticket demoted", "branch_id", t.BranchID, "ticket_id", t.ID, "from_position", from, "to_position", t.QueueNumber, "reason", reason)
}

// SweepInterval returns an interval no longer than half the shortest grace
// period across branches, capped by configured when that is positive.
func SweepInterval(branches []domain.Branch, configured time.Duration) time.Duration {
	interval := configured
	for _, b := range branches {
		half := b.GracePeriod() / 2
		if half <= 0 {
			half = time.Second
		}
		if interval <= 0 || half < interval {
			interval = half
		}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return interval
}

// Monitor drives Tick on a fixed interval until its context is cancelled.
type Monitor struct {
	Coordinator *Coordinator
	Interval    time.Duration
	Logger      *slog.Logger
	// OnSweep, if set, observes every report.
	OnSweep func(SweepReport)
}

func (m Monitor) Run(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := m.Interval
	if interval <= 0 {
		interval = SweepInterval(m.Coordinator.Branches(), 0)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("grace monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("grace monitor stopped")
			return
		case <-ticker.C:
			report := m.Coordinator.Tick(ctx, m.Coordinator.now())
			if len(report.Demoted) > 0 || len(report.Failures) > 0 {
				logger.Info("grace sweep", "demoted", len(report.Demoted), "promoted", len(report.Promoted), "failures", len(report.Failures))
			}
			if m.OnSweep != nil {
				m.OnSweep(report)
			}
		}
	}
}
