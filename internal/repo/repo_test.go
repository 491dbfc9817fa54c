package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"lobbyline/internal/db"
	"lobbyline/internal/domain"
	"lobbyline/internal/events"
	"lobbyline/internal/migrate"
	"lobbyline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// migrations are idempotent
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	return repo.Repo{DB: conn, Events: events.Writer{}}
}

func TestBranchUpsert(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	b := domain.Branch{ID: "b1", Name: "Main", MaxOccupancy: 3, GracePeriodSeconds: 600, AverageServiceMinutes: 7}
	if err := r.UpsertBranch(ctx, b); err != nil {
		t.Fatal(err)
	}
	b.IsPaused = true
	b.MaxOccupancy = 5
	if err := r.UpsertBranch(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetBranch(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Fatalf("got %+v, want %+v", got, b)
	}
	if _, err := r.GetBranch(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := r.ListBranches(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}
}

func TestApplyPersistsTicketAndEvent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.UpsertBranch(ctx, domain.Branch{ID: "b1", MaxOccupancy: 1, GracePeriodSeconds: 600}); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tk := domain.Ticket{ID: "t1", BranchID: "b1", QueueNumber: 1, Status: domain.StatusRemoteWaiting, CustomerName: "Ana", JoinedAt: now}
	if err := r.Apply(ctx, domain.Event{Type: domain.EventTicketUpdated, BranchID: "b1", Ticket: &tk, Cause: "joined", At: now}); err != nil {
		t.Fatalf("apply join: %v", err)
	}

	later := now.Add(time.Minute)
	tk.Status = domain.StatusEligibleForEntry
	tk.EligibleForEntryAt = &later
	tk.StatusHistory = []domain.StatusTransition{{TicketID: "t1", From: domain.StatusRemoteWaiting, To: domain.StatusEligibleForEntry, At: later, TriggeredBy: domain.ActorSystem, Reason: "capacity available"}}
	if err := r.Apply(ctx, domain.Event{Type: domain.EventTicketUpdated, BranchID: "b1", Ticket: &tk, At: later}); err != nil {
		t.Fatalf("apply promote: %v", err)
	}
	// replaying the same snapshot does not duplicate history
	if err := r.Apply(ctx, domain.Event{Type: domain.EventTicketUpdated, BranchID: "b1", Ticket: &tk, At: later}); err != nil {
		t.Fatalf("apply replay: %v", err)
	}

	got, err := r.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusEligibleForEntry || got.CustomerName != "Ana" {
		t.Fatalf("unexpected ticket %+v", got)
	}
	if got.EligibleForEntryAt == nil || !got.EligibleForEntryAt.Equal(later) {
		t.Fatalf("eligible timestamp lost")
	}
	if len(got.StatusHistory) != 1 || got.StatusHistory[0].Reason != "capacity available" {
		t.Fatalf("unexpected history %+v", got.StatusHistory)
	}

	evts, err := r.EventsAfter(ctx, 10, 0, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 || evts[0].TicketID != "t1" || evts[0].Cause != "joined" {
		t.Fatalf("unexpected events %+v", evts)
	}
	decoded, err := events.Decode(evts[1])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Ticket == nil || decoded.Ticket.Status != domain.StatusEligibleForEntry {
		t.Fatalf("payload did not round trip: %+v", decoded)
	}
	latest, err := r.LatestEventID(ctx, "b1")
	if err != nil || latest != evts[2].ID {
		t.Fatalf("latest id %d (%v), want %d", latest, err, evts[2].ID)
	}
	newest, err := r.LatestEvents(ctx, repo.EventFilters{BranchID: "b1", Limit: 1})
	if err != nil || len(newest) != 1 || newest[0].ID != latest {
		t.Fatalf("latest events %+v %v", newest, err)
	}

	active, err := r.ListTickets(ctx, repo.TicketFilters{BranchID: "b1", ActiveOnly: true})
	if err != nil || len(active) != 1 {
		t.Fatalf("list tickets: %v %d", err, len(active))
	}
	counts, err := r.CountTicketsByStatus(ctx, "b1")
	if err != nil || counts[string(domain.StatusEligibleForEntry)] != 1 {
		t.Fatalf("counts %v %v", counts, err)
	}
}
