// Package board keeps reception display screens current by writing a JSON
// snapshot of each branch's queue to Redis whenever the branch changes.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lobbyline/internal/domain"
	"lobbyline/internal/engine"
)

// Store is the slice of Redis the board needs.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, message []byte) error
}

// SnapshotSource yields the current view of a branch.
type SnapshotSource interface {
	Snapshot(branchID string) (engine.Snapshot, error)
}

// View is what display screens render.
type View struct {
	BranchID   string      `json:"branch_id"`
	Name       string      `json:"name,omitempty"`
	Paused     bool        `json:"paused"`
	Occupancy  int         `json:"occupancy"`
	Capacity   int         `json:"capacity"`
	NowCalling []int       `json:"now_calling"`
	Waiting    []BoardLine `json:"waiting"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type BoardLine struct {
	QueueNumber          int `json:"queue_number"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`
}

func BuildView(snap engine.Snapshot, now time.Time) View {
	v := View{
		BranchID:   snap.Branch.ID,
		Name:       snap.Branch.Name,
		Paused:     snap.Branch.IsPaused,
		Occupancy:  snap.Occupancy,
		Capacity:   snap.Branch.MaxOccupancy,
		NowCalling: []int{},
		Waiting:    []BoardLine{},
		UpdatedAt:  now,
	}
	for _, e := range snap.Queue {
		switch e.Ticket.Status {
		case domain.StatusEligibleForEntry:
			v.NowCalling = append(v.NowCalling, e.Ticket.QueueNumber)
		case domain.StatusRemoteWaiting:
			v.Waiting = append(v.Waiting, BoardLine{QueueNumber: e.Ticket.QueueNumber, EstimatedWaitMinutes: e.EstimatedWaitMinutes})
		}
	}
	return v
}

// Publisher coalesces bus events per branch and refreshes the board from a
// background goroutine.
type Publisher struct {
	Source    SnapshotSource
	Store     Store
	KeyPrefix string
	TTL       time.Duration
	Logger    *slog.Logger
	Now       func() time.Time

	mu      sync.Mutex
	pending map[string]bool
	wake    chan struct{}
}

func (p *Publisher) init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = make(map[string]bool)
		p.wake = make(chan struct{}, 1)
	}
}

// Handle is an events.Handler.
func (p *Publisher) Handle(evt domain.Event) {
	p.MarkDirty(evt.BranchID)
}

func (p *Publisher) MarkDirty(branchID string) {
	p.init()
	p.mu.Lock()
	p.pending[branchID] = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) Run(ctx context.Context) {
	p.init()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.Flush(ctx)
		}
	}
}

// Flush writes every branch marked dirty since the last flush.
func (p *Publisher) Flush(ctx context.Context) {
	p.init()
	p.mu.Lock()
	branches := make([]string, 0, len(p.pending))
	for id := range p.pending {
		branches = append(branches, id)
	}
	p.pending = make(map[string]bool)
	p.mu.Unlock()
	for _, id := range branches {
		if err := p.publish(ctx, id); err != nil {
			p.logger().Warn("board refresh failed", "branch_id", id, "err", err)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, branchID string) error {
	snap, err := p.Source.Snapshot(branchID)
	if err != nil {
		return err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	data, err := json.Marshal(BuildView(snap, now().UTC()))
	if err != nil {
		return err
	}
	key := p.Key(branchID)
	if err := p.Store.Set(ctx, key, data, p.TTL); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := p.Store.Publish(ctx, key+":updates", data); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Key(branchID string) string {
	prefix := p.KeyPrefix
	if prefix == "" {
		prefix = "lobbyline:board:"
	}
	return prefix + branchID
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
