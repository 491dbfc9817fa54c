package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lobbyline/internal/domain"
	"lobbyline/internal/engine"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type captured struct {
	mu   sync.Mutex
	evts []domain.Event
}

func (c *captured) Record(evt domain.Event) {
	c.mu.Lock()
	c.evts = append(c.evts, evt)
	c.mu.Unlock()
}

func (c *captured) ofType(typ domain.EventType) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	C     *engine.Coordinator
	Clock *clock
	Rec   *captured
	Ctx   context.Context
}

func newTestEnv(t *testing.T, branches ...domain.Branch) testEnv {
	t.Helper()
	clk := &clock{now: t0}
	rec := &captured{}
	n := 0
	c := engine.New(engine.Options{
		Now:      clk.Now,
		Recorder: rec,
		NewID: func() string {
			n++
			return fmt.Sprintf("t%d", n)
		},
	})
	ctx := context.Background()
	for _, b := range branches {
		if _, err := c.RegisterBranch(ctx, b); err != nil {
			t.Fatalf("register branch: %v", err)
		}
	}
	return testEnv{C: c, Clock: clk, Rec: rec, Ctx: ctx}
}

func branch(id string, max int) domain.Branch {
	return domain.Branch{ID: id, Name: id, MaxOccupancy: max, GracePeriodSeconds: 600, AverageServiceMinutes: 10}
}

func (env testEnv) join(t *testing.T, branchID string) domain.Ticket {
	t.Helper()
	tk, err := env.C.JoinQueue(env.Ctx, branchID, domain.CustomerInfo{Name: "guest"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return tk
}

func (env testEnv) ticket(t *testing.T, id string) domain.Ticket {
	t.Helper()
	tk, err := env.C.Ticket(id)
	if err != nil {
		t.Fatalf("ticket %s: %v", id, err)
	}
	return tk
}

func (env testEnv) move(t *testing.T, id string, to domain.Status, actor domain.Actor) domain.Ticket {
	t.Helper()
	req := engine.TransitionRequest{TicketID: id, Target: to, Actor: actor}
	if to == domain.StatusInService {
		req.Counter = "counter-1"
	}
	tk, err := env.C.RequestTransition(env.Ctx, req)
	if err != nil {
		t.Fatalf("%s -> %s: %v", id, to, err)
	}
	return tk
}

// stored builds a persisted ticket whose history walks the usual path to status.
func stored(id, branchID string, q int, status domain.Status, joined time.Time) domain.Ticket {
	tk := domain.Ticket{ID: id, BranchID: branchID, QueueNumber: q, Status: status, JoinedAt: joined}
	path := []domain.Status{domain.StatusRemoteWaiting, domain.StatusEligibleForEntry, domain.StatusInBuilding, domain.StatusInService}
	for i := 1; i < len(path) && path[i-1] != status; i++ {
		tk.StatusHistory = append(tk.StatusHistory, domain.StatusTransition{
			TicketID: id, From: path[i-1], To: path[i], At: joined, TriggeredBy: domain.ActorSystem,
		})
	}
	if status != domain.StatusRemoteWaiting && status != domain.StatusEligibleForEntry && status != domain.StatusInBuilding && status != domain.StatusInService {
		panic("stored: unsupported status " + string(status))
	}
	return tk
}

func assertInvariants(t *testing.T, env testEnv, branchID string) {
	t.Helper()
	if err := checkInvariants(env, branchID); err != nil {
		t.Fatal(err)
	}
}

func checkInvariants(env testEnv, branchID string) error {
	b, err := env.C.Branch(branchID)
	if err != nil {
		return err
	}
	occ, _ := env.C.Occupancy(branchID)
	if occ > b.MaxOccupancy {
		return fmt.Errorf("occupancy %d exceeds max %d", occ, b.MaxOccupancy)
	}
	queue, _ := env.C.Queue(branchID)
	seen := map[int]string{}
	for _, tk := range queue {
		if other, ok := seen[tk.QueueNumber]; ok {
			return fmt.Errorf("queue number %d shared by %s and %s", tk.QueueNumber, other, tk.ID)
		}
		seen[tk.QueueNumber] = tk.ID
	}
	return nil
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		actor    domain.Actor
		want     bool
	}{
		{domain.StatusEligibleForEntry, domain.StatusInBuilding, domain.ActorCustomer, true},
		{domain.StatusEligibleForEntry, domain.StatusInBuilding, domain.ActorReception, true},
		{domain.StatusEligibleForEntry, domain.StatusInBuilding, domain.ActorTeller, false},
		{domain.StatusInBuilding, domain.StatusInService, domain.ActorTeller, true},
		{domain.StatusInBuilding, domain.StatusInService, domain.ActorCustomer, false},
		{domain.StatusInBuilding, domain.StatusRemoteWaiting, domain.ActorReception, true},
		{domain.StatusInService, domain.StatusServed, domain.ActorTeller, true},
		{domain.StatusInService, domain.StatusCompleted, domain.ActorReception, true},
		{domain.StatusInService, domain.StatusServed, domain.ActorCustomer, false},
		{domain.StatusRemoteWaiting, domain.StatusRemoved, domain.ActorCustomer, true},
		{domain.StatusInService, domain.StatusRemoved, domain.ActorTeller, true},
		// coordinator-only moves
		{domain.StatusRemoteWaiting, domain.StatusEligibleForEntry, domain.ActorSystem, false},
		{domain.StatusEligibleForEntry, domain.StatusRemoteWaiting, domain.ActorSystem, false},
		// skipping the building is not allowed
		{domain.StatusEligibleForEntry, domain.StatusInService, domain.ActorTeller, false},
		{domain.StatusRemoteWaiting, domain.StatusInBuilding, domain.ActorReception, false},
		{domain.StatusServed, domain.StatusRemoved, domain.ActorSystem, false},
		{domain.StatusRemoved, domain.StatusRemoteWaiting, domain.ActorReception, false},
	}
	for _, tc := range cases {
		if got := engine.CanTransition(tc.from, tc.to, tc.actor); got != tc.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.from, tc.to, tc.actor, got, tc.want)
		}
	}
}

func TestFillToCapacityOnJoin(t *testing.T) {
	env := newTestEnv(t, branch("b1", 2))
	t1 := env.join(t, "b1")
	t2 := env.join(t, "b1")
	t3 := env.join(t, "b1")
	if t1.QueueNumber != 1 || t2.QueueNumber != 2 || t3.QueueNumber != 3 {
		t.Fatalf("unexpected numbers %d %d %d", t1.QueueNumber, t2.QueueNumber, t3.QueueNumber)
	}
	if got := env.ticket(t, t1.ID).Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("t1 status %s", got)
	}
	if got := env.ticket(t, t2.ID).Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("t2 status %s", got)
	}
	if got := env.ticket(t, t3.ID).Status; got != domain.StatusRemoteWaiting {
		t.Fatalf("t3 should wait while both seats are reserved, got %s", got)
	}
	if n := len(env.Rec.ofType(domain.EventTicketPromoted)); n != 2 {
		t.Fatalf("expected 2 promotions, got %d", n)
	}
}

func TestServedFreesSeatAndPromotes(t *testing.T) {
	env := newTestEnv(t, branch("b1", 2))
	t1 := env.join(t, "b1")
	t2 := env.join(t, "b1")
	t3 := env.join(t, "b1")
	if _, err := env.C.ConfirmEntry(env.Ctx, t1.ID); err != nil {
		t.Fatalf("confirm t1: %v", err)
	}
	if _, err := env.C.ConfirmEntry(env.Ctx, t2.ID); err != nil {
		t.Fatalf("confirm t2: %v", err)
	}
	if occ, _ := env.C.Occupancy("b1"); occ != 2 {
		t.Fatalf("occupancy %d, want 2", occ)
	}
	if got := env.ticket(t, t3.ID).Status; got != domain.StatusRemoteWaiting {
		t.Fatalf("t3 status %s", got)
	}
	env.move(t, t1.ID, domain.StatusInService, domain.ActorTeller)
	served := env.move(t, t1.ID, domain.StatusServed, domain.ActorTeller)
	if served.ServiceEndedAt == nil || served.WaitTimeMinutes == nil {
		t.Fatalf("served ticket missing service end or wait time")
	}
	if served.Counter != "" {
		t.Fatalf("counter should be cleared after service")
	}
	if occ, _ := env.C.Occupancy("b1"); occ != 1 {
		t.Fatalf("occupancy %d, want 1", occ)
	}
	got := env.ticket(t, t3.ID)
	if got.Status != domain.StatusEligibleForEntry {
		t.Fatalf("t3 should be promoted, got %s", got.Status)
	}
	if got.EligibleForEntryAt == nil || !got.EligibleForEntryAt.Equal(t0) {
		t.Fatalf("eligible timestamp not set")
	}
	// served ticket leaves the ordering; remaining numbers are contiguous
	if n := env.ticket(t, t2.ID).QueueNumber; n != 1 {
		t.Fatalf("t2 number %d, want 1", n)
	}
	if n := got.QueueNumber; n != 2 {
		t.Fatalf("t3 number %d, want 2", n)
	}
	assertInvariants(t, env, "b1")
}

func TestGraceExpiryDemotesWithSwap(t *testing.T) {
	env := newTestEnv(t)
	b := branch("b1", 1)
	eligibleAt := t0
	late := stored("late", "b1", 5, domain.StatusEligibleForEntry, t0.Add(-time.Hour))
	late.EligibleForEntryAt = &eligibleAt
	behind := stored("behind", "b1", 9, domain.StatusRemoteWaiting, t0.Add(-time.Minute))
	if err := env.C.Restore(env.Ctx, b, []domain.Ticket{late, behind}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	report := env.C.Tick(env.Ctx, t0.Add(601*time.Second))
	if len(report.Demoted) != 1 || report.Demoted[0] != "late" {
		t.Fatalf("unexpected demotions %+v", report.Demoted)
	}
	gotLate := env.ticket(t, "late")
	gotBehind := env.ticket(t, "behind")
	if gotLate.Status != domain.StatusRemoteWaiting || gotLate.EligibleForEntryAt != nil || gotLate.BumpedAt == nil {
		t.Fatalf("late not demoted cleanly: %+v", gotLate)
	}
	if gotBehind.QueueNumber != 1 || gotLate.QueueNumber != 2 {
		t.Fatalf("expected behind=1 late=2, got behind=%d late=%d", gotBehind.QueueNumber, gotLate.QueueNumber)
	}
	// the freed invitation goes to the ticket now at the front, never back to the demoted one
	if gotBehind.Status != domain.StatusEligibleForEntry {
		t.Fatalf("behind should be promoted, got %s", gotBehind.Status)
	}
	if len(report.Promoted) != 1 || report.Promoted[0] != "behind" {
		t.Fatalf("unexpected promotions %+v", report.Promoted)
	}
	hist, _ := env.C.History("late")
	last := hist[len(hist)-1]
	if last.From != domain.StatusEligibleForEntry || last.To != domain.StatusRemoteWaiting || last.TriggeredBy != domain.ActorSystem || last.Reason != "grace period expired" {
		t.Fatalf("unexpected audit entry %+v", last)
	}
	if n := len(env.Rec.ofType(domain.EventTicketDemoted)); n != 1 {
		t.Fatalf("expected one demotion event, got %d", n)
	}
}

func TestGraceDemotionMovesToEndWhenTargetFree(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	first := env.join(t, "b1")
	second := env.join(t, "b1")
	env.C.Tick(env.Ctx, t0.Add(601*time.Second))
	// 1+4 is unoccupied, so the late ticket goes behind everyone
	if n := env.ticket(t, first.ID).QueueNumber; n != 2 {
		t.Fatalf("first number %d, want 2", n)
	}
	if n := env.ticket(t, second.ID).QueueNumber; n != 1 {
		t.Fatalf("second number %d, want 1", n)
	}
}

func TestGraceBoundary(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	tk := env.join(t, "b1")

	report := env.C.Tick(env.Ctx, t0.Add(599*time.Second))
	if len(report.Demoted) != 0 {
		t.Fatalf("demoted before grace expired")
	}
	report = env.C.Tick(env.Ctx, t0.Add(600*time.Second))
	if len(report.Demoted) != 0 {
		t.Fatalf("demoted exactly at grace boundary")
	}
	if got := env.ticket(t, tk.ID).Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("status %s", got)
	}
	report = env.C.Tick(env.Ctx, t0.Add(601*time.Second))
	if len(report.Demoted) != 1 {
		t.Fatalf("expected demotion after grace")
	}
}

func TestConfirmBeforeSweepWins(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	tk := env.join(t, "b1")
	env.Clock.Set(t0.Add(700 * time.Second))
	if _, err := env.C.ConfirmEntry(env.Ctx, tk.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	report := env.C.Tick(env.Ctx, t0.Add(701*time.Second))
	if len(report.Demoted) != 0 {
		t.Fatalf("sweep must not demote a confirmed ticket")
	}
	if got := env.ticket(t, tk.ID).Status; got != domain.StatusInBuilding {
		t.Fatalf("status %s", got)
	}
}

func TestRemovalCompacts(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	first := env.join(t, "b1")
	if first.QueueNumber != 1 {
		t.Fatalf("first number %d", first.QueueNumber)
	}
	second := env.join(t, "b1")
	third := env.join(t, "b1")
	env.move(t, first.ID, domain.StatusRemoved, domain.ActorCustomer)
	if n := env.ticket(t, second.ID).QueueNumber; n != 1 {
		t.Fatalf("second number %d, want 1", n)
	}
	if n := env.ticket(t, third.ID).QueueNumber; n != 2 {
		t.Fatalf("third number %d, want 2", n)
	}
	// removal of the invited ticket passes the invitation on
	if got := env.ticket(t, second.ID).Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("second status %s", got)
	}
	next := env.join(t, "b1")
	if next.QueueNumber != 3 {
		t.Fatalf("next number %d, want 3", next.QueueNumber)
	}
}

func TestAdmissionRefusedAtCapacity(t *testing.T) {
	env := newTestEnv(t)
	eligibleAt := t0
	inside := stored("inside", "b1", 1, domain.StatusInBuilding, t0)
	waiting := stored("waiting", "b1", 2, domain.StatusEligibleForEntry, t0)
	waiting.EligibleForEntryAt = &eligibleAt
	if err := env.C.Restore(env.Ctx, branch("b1", 1), []domain.Ticket{inside, waiting}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	before := env.C.Audit().Len()
	_, err := env.C.ConfirmEntry(env.Ctx, "waiting")
	if !errors.Is(err, engine.ErrAtCapacity) {
		t.Fatalf("expected at capacity, got %v", err)
	}
	if got := env.ticket(t, "waiting").Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("status changed to %s", got)
	}
	if env.C.Audit().Len() != before {
		t.Fatalf("refused admission must not be audited")
	}
}

func TestInvalidAndStaleTransitions(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	tk := env.join(t, "b1")

	_, err := env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: tk.ID, Target: domain.StatusInService, Actor: domain.ActorTeller, Counter: "c1"})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("eligible -> in service should be invalid, got %v", err)
	}
	_, err = env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: tk.ID, Target: domain.StatusRemoteWaiting, Actor: domain.ActorSystem})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("external demotion should be invalid, got %v", err)
	}
	env.move(t, tk.ID, domain.StatusInBuilding, domain.ActorCustomer)
	_, err = env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: tk.ID, Target: domain.StatusInService, Actor: domain.ActorTeller})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("service without counter should be invalid, got %v", err)
	}
	env.move(t, tk.ID, domain.StatusInService, domain.ActorTeller)
	env.move(t, tk.ID, domain.StatusCompleted, domain.ActorReception)
	_, err = env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: tk.ID, Target: domain.StatusRemoved, Actor: domain.ActorReception})
	if !errors.Is(err, engine.ErrStaleOperation) {
		t.Fatalf("expected stale operation, got %v", err)
	}
	_, err = env.C.ConfirmEntry(env.Ctx, "missing")
	if !errors.Is(err, engine.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if engine.KindOf(err) != engine.KindTicketNotFound {
		t.Fatalf("KindOf = %s", engine.KindOf(err))
	}
}

func TestHistoryFollowsCommitOrder(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	tk := env.join(t, "b1")
	env.Clock.Set(t0.Add(time.Minute))
	env.move(t, tk.ID, domain.StatusInBuilding, domain.ActorCustomer)
	env.Clock.Set(t0.Add(2 * time.Minute))
	env.move(t, tk.ID, domain.StatusInService, domain.ActorTeller)
	env.Clock.Set(t0.Add(12 * time.Minute))
	final := env.move(t, tk.ID, domain.StatusServed, domain.ActorTeller)

	want := []domain.Status{domain.StatusEligibleForEntry, domain.StatusInBuilding, domain.StatusInService, domain.StatusServed}
	hist, err := env.C.History(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != len(want) || len(final.StatusHistory) != len(want) {
		t.Fatalf("history length %d/%d, want %d", len(hist), len(final.StatusHistory), len(want))
	}
	prev := domain.StatusRemoteWaiting
	for i, tr := range hist {
		if tr.From != prev || tr.To != want[i] {
			t.Fatalf("entry %d: %s -> %s", i, tr.From, tr.To)
		}
		if tr != final.StatusHistory[i] {
			t.Fatalf("entry %d differs between audit and ticket history", i)
		}
		prev = tr.To
	}
	if *final.WaitTimeMinutes != 11 {
		t.Fatalf("wait time %d, want 11", *final.WaitTimeMinutes)
	}
}

func TestPromoteNextIdempotent(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	env.join(t, "b1")
	env.join(t, "b1")
	for i := 0; i < 3; i++ {
		got, err := env.C.PromoteNext(env.Ctx, "b1")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Fatalf("no seat is free, promoted %s", got.ID)
		}
	}
	if n := len(env.Rec.ofType(domain.EventTicketPromoted)); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}
	if _, err := env.C.PromoteNext(env.Ctx, "nope"); !errors.Is(err, engine.ErrBranchNotFound) {
		t.Fatalf("expected branch not found, got %v", err)
	}
}

func TestFlagNoShow(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	first := env.join(t, "b1")
	second := env.join(t, "b1")

	if _, err := env.C.FlagNoShow(env.Ctx, first.ID, domain.ActorCustomer); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("customers cannot flag no-shows, got %v", err)
	}
	got, err := env.C.FlagNoShow(env.Ctx, first.ID, domain.ActorReception)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if got.Status != domain.StatusRemoteWaiting || !got.IsNoShow || got.QueueNumber != 2 {
		t.Fatalf("unexpected first flag result %+v", got)
	}
	if s := env.ticket(t, second.ID).Status; s != domain.StatusEligibleForEntry {
		t.Fatalf("second should be invited, got %s", s)
	}
	// a waiting repeat offender is removed
	got, err = env.C.FlagNoShow(env.Ctx, first.ID, domain.ActorReception)
	if err != nil {
		t.Fatalf("second flag: %v", err)
	}
	if got.Status != domain.StatusRemoved {
		t.Fatalf("expected removal, got %s", got.Status)
	}
	if n := env.ticket(t, second.ID).QueueNumber; n != 1 {
		t.Fatalf("second number %d, want 1", n)
	}
}

func TestRateTicket(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	tk := env.join(t, "b1")
	if _, err := env.C.RateTicket(env.Ctx, tk.ID, 4); !errors.Is(err, engine.ErrInvalidRating) {
		t.Fatalf("unserved ticket rated: %v", err)
	}
	env.move(t, tk.ID, domain.StatusInBuilding, domain.ActorCustomer)
	env.move(t, tk.ID, domain.StatusInService, domain.ActorTeller)
	env.move(t, tk.ID, domain.StatusServed, domain.ActorTeller)
	if _, err := env.C.RateTicket(env.Ctx, tk.ID, 6); !errors.Is(err, engine.ErrInvalidRating) {
		t.Fatalf("out of range rating accepted: %v", err)
	}
	before := env.C.Audit().Len()
	got, err := env.C.RateTicket(env.Ctx, tk.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.FeedbackRating == nil || *got.FeedbackRating != 5 {
		t.Fatalf("rating not stored")
	}
	if env.C.Audit().Len() != before {
		t.Fatalf("rating must not touch the audit trail")
	}
}

func TestRestoreRejectsBrokenSets(t *testing.T) {
	env := newTestEnv(t)
	dup := []domain.Ticket{
		{ID: "a", BranchID: "b1", QueueNumber: 1, Status: domain.StatusRemoteWaiting, JoinedAt: t0},
		{ID: "b", BranchID: "b1", QueueNumber: 1, Status: domain.StatusRemoteWaiting, JoinedAt: t0},
	}
	if err := env.C.Restore(env.Ctx, branch("b1", 2), dup); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("duplicate numbers accepted: %v", err)
	}
	over := []domain.Ticket{
		stored("c", "b2", 1, domain.StatusInBuilding, t0),
		stored("d", "b2", 2, domain.StatusInBuilding, t0),
	}
	if err := env.C.Restore(env.Ctx, branch("b2", 1), over); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("over-capacity set accepted: %v", err)
	}
	if _, err := env.C.Ticket("c"); !errors.Is(err, engine.ErrTicketNotFound) {
		t.Fatalf("rejected restore leaked tickets")
	}

	noHistory := []domain.Ticket{{ID: "e", BranchID: "b3", QueueNumber: 1, Status: domain.StatusInBuilding, JoinedAt: t0}}
	if err := env.C.Restore(env.Ctx, branch("b3", 2), noHistory); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("status without history accepted: %v", err)
	}
	mismatch := stored("f", "b4", 1, domain.StatusInBuilding, t0)
	mismatch.Status = domain.StatusInService
	if err := env.C.Restore(env.Ctx, branch("b4", 2), []domain.Ticket{mismatch}); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("history ending elsewhere accepted: %v", err)
	}

	if err := env.C.Restore(env.Ctx, branch("b5", 2), []domain.Ticket{stored("g", "b5", 1, domain.StatusRemoteWaiting, t0)}); err != nil {
		t.Fatal(err)
	}
	clash := []domain.Ticket{stored("h", "b5", 1, domain.StatusRemoteWaiting, t0)}
	if err := env.C.Restore(env.Ctx, branch("b5", 2), clash); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("number already held in the branch accepted: %v", err)
	}
	again := []domain.Ticket{stored("g", "b5", 2, domain.StatusRemoteWaiting, t0)}
	if err := env.C.Restore(env.Ctx, branch("b5", 2), again); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("ticket loaded twice: %v", err)
	}
}

func TestRestoreStampsUntimedInvitation(t *testing.T) {
	env := newTestEnv(t)
	invited := stored("s", "b1", 1, domain.StatusEligibleForEntry, t0.Add(-time.Hour))
	waiting := stored("w", "b1", 2, domain.StatusRemoteWaiting, t0.Add(-time.Hour))
	if err := env.C.Restore(env.Ctx, branch("b1", 1), []domain.Ticket{invited, waiting}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if at := env.ticket(t, "s").EligibleForEntryAt; at == nil || !at.Equal(t0) {
		t.Fatalf("invitation not stamped with restore time: %v", at)
	}
	report := env.C.Tick(env.Ctx, t0.Add(24*time.Hour))
	if len(report.Demoted) != 1 || report.Demoted[0] != "s" {
		t.Fatalf("unexpected demotions %+v", report.Demoted)
	}
	if got := env.ticket(t, "w").Status; got != domain.StatusEligibleForEntry {
		t.Fatalf("waiting ticket should be invited, got %s", got)
	}
}

func TestExcludeInServiceFromOccupancy(t *testing.T) {
	b := branch("b1", 1)
	b.ExcludeInServiceFromOccupancy = true
	env := newTestEnv(t, b)
	first := env.join(t, "b1")
	second := env.join(t, "b1")
	env.move(t, first.ID, domain.StatusInBuilding, domain.ActorCustomer)
	env.move(t, first.ID, domain.StatusInService, domain.ActorTeller)
	if occ, _ := env.C.Occupancy("b1"); occ != 0 {
		t.Fatalf("occupancy %d, want 0", occ)
	}
	if s := env.ticket(t, second.ID).Status; s != domain.StatusEligibleForEntry {
		t.Fatalf("second should be invited once the first is at the counter, got %s", s)
	}
}

func TestUpdateBranchRaisesCapacity(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	env.join(t, "b1")
	second := env.join(t, "b1")
	max := 2
	if _, err := env.C.UpdateBranch(env.Ctx, engine.BranchUpdate{ID: "b1", MaxOccupancy: &max}); err != nil {
		t.Fatal(err)
	}
	if s := env.ticket(t, second.ID).Status; s != domain.StatusEligibleForEntry {
		t.Fatalf("raising capacity should invite the next ticket, got %s", s)
	}
	zero := 0
	if _, err := env.C.UpdateBranch(env.Ctx, engine.BranchUpdate{ID: "b1", MaxOccupancy: &zero}); !errors.Is(err, engine.ErrInvalidBranch) {
		t.Fatalf("zero capacity accepted: %v", err)
	}
}

func TestUpdateBranchRefusesCapacityBelowOccupancy(t *testing.T) {
	env := newTestEnv(t, branch("b1", 2))
	first := env.join(t, "b1")
	second := env.join(t, "b1")
	env.move(t, first.ID, domain.StatusInBuilding, domain.ActorCustomer)
	env.move(t, second.ID, domain.StatusInBuilding, domain.ActorCustomer)
	one := 1
	if _, err := env.C.UpdateBranch(env.Ctx, engine.BranchUpdate{ID: "b1", MaxOccupancy: &one}); !errors.Is(err, engine.ErrAtCapacity) {
		t.Fatalf("expected at capacity, got %v", err)
	}
	b, _ := env.C.Branch("b1")
	if b.MaxOccupancy != 2 {
		t.Fatalf("max changed to %d", b.MaxOccupancy)
	}
	if _, err := env.C.RegisterBranch(env.Ctx, branch("b1", 1)); !errors.Is(err, engine.ErrAtCapacity) {
		t.Fatalf("re-register below occupancy: %v", err)
	}
	assertInvariants(t, env, "b1")
}

func TestUpdateBranchRefusesCountingInService(t *testing.T) {
	b := branch("b1", 1)
	b.ExcludeInServiceFromOccupancy = true
	env := newTestEnv(t, b)
	first := env.join(t, "b1")
	env.move(t, first.ID, domain.StatusInBuilding, domain.ActorCustomer)
	env.move(t, first.ID, domain.StatusInService, domain.ActorTeller)
	second := env.join(t, "b1")
	env.move(t, second.ID, domain.StatusInBuilding, domain.ActorCustomer)
	include := false
	if _, err := env.C.UpdateBranch(env.Ctx, engine.BranchUpdate{ID: "b1", ExcludeInServiceFromOccupancy: &include}); !errors.Is(err, engine.ErrAtCapacity) {
		t.Fatalf("expected at capacity, got %v", err)
	}
	assertInvariants(t, env, "b1")

	env.move(t, first.ID, domain.StatusServed, domain.ActorTeller)
	if _, err := env.C.UpdateBranch(env.Ctx, engine.BranchUpdate{ID: "b1", ExcludeInServiceFromOccupancy: &include}); err != nil {
		t.Fatalf("toggle once the counter is free: %v", err)
	}
	assertInvariants(t, env, "b1")
}

func TestShrinkCapacityDefersUntilPeopleLeave(t *testing.T) {
	env := newTestEnv(t)
	tickets := []domain.Ticket{
		stored("a", "b1", 1, domain.StatusInBuilding, t0),
		stored("b", "b1", 2, domain.StatusInBuilding, t0),
		stored("c", "b1", 3, domain.StatusInBuilding, t0),
		stored("w", "b1", 4, domain.StatusRemoteWaiting, t0),
	}
	if err := env.C.Restore(env.Ctx, branch("b1", 3), tickets); err != nil {
		t.Fatalf("restore: %v", err)
	}
	b, err := env.C.ShrinkCapacity(env.Ctx, "b1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.MaxOccupancy != 3 {
		t.Fatalf("limit %d, want 3 while three are inside", b.MaxOccupancy)
	}
	env.move(t, "a", domain.StatusRemoteWaiting, domain.ActorReception)
	if b, _ = env.C.Branch("b1"); b.MaxOccupancy != 2 {
		t.Fatalf("limit %d, want 2", b.MaxOccupancy)
	}
	if got := env.ticket(t, "w").Status; got != domain.StatusRemoteWaiting {
		t.Fatalf("nobody is invited until the lower limit is reached, got %s", got)
	}
	assertInvariants(t, env, "b1")
	env.move(t, "b", domain.StatusRemoteWaiting, domain.ActorReception)
	if b, _ = env.C.Branch("b1"); b.MaxOccupancy != 1 {
		t.Fatalf("limit %d, want 1", b.MaxOccupancy)
	}
	assertInvariants(t, env, "b1")
	env.move(t, "c", domain.StatusRemoteWaiting, domain.ActorReception)
	if ok, _ := env.C.CanAdmit("b1"); !ok {
		t.Fatalf("seat should be free")
	}
	queue, _ := env.C.Queue("b1")
	invited := 0
	for _, tk := range queue {
		if tk.Status == domain.StatusEligibleForEntry {
			invited++
		}
	}
	if invited != 1 {
		t.Fatalf("%d invitations, want 1 under the lower limit", invited)
	}
	assertInvariants(t, env, "b1")
}

type orderedPublisher struct {
	mu   sync.Mutex
	seen []int
}

func (p *orderedPublisher) Publish(evts ...domain.Event) {
	for _, evt := range evts {
		if evt.Type == domain.EventTicketUpdated && evt.Ticket != nil {
			p.mu.Lock()
			p.seen = append(p.seen, evt.Ticket.QueueNumber)
			p.mu.Unlock()
		}
	}
}

func TestPublisherSeesCommitOrder(t *testing.T) {
	pub := &orderedPublisher{}
	c := engine.New(engine.Options{Now: func() time.Time { return t0 }, Publisher: pub})
	ctx := context.Background()
	if _, err := c.RegisterBranch(ctx, branch("b1", 1)); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.JoinQueue(ctx, "b1", domain.CustomerInfo{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.seen) != 50 {
		t.Fatalf("published %d updates, want 50", len(pub.seen))
	}
	for i, n := range pub.seen {
		if n != i+1 {
			t.Fatalf("joins published out of order: %v", pub.seen)
		}
	}
}

func TestSnapshotEstimates(t *testing.T) {
	env := newTestEnv(t, branch("b1", 1))
	env.join(t, "b1")
	env.join(t, "b1")
	env.join(t, "b1")
	snap, err := env.C.Snapshot("b1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Eligible != 1 || snap.Waiting != 2 || len(snap.Queue) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Queue[1].EstimatedWaitMinutes != 10 || snap.Queue[2].EstimatedWaitMinutes != 20 {
		t.Fatalf("unexpected estimates %d %d", snap.Queue[1].EstimatedWaitMinutes, snap.Queue[2].EstimatedWaitMinutes)
	}
}

func TestSweepInterval(t *testing.T) {
	branches := []domain.Branch{branch("a", 1), {ID: "b", MaxOccupancy: 1, GracePeriodSeconds: 60}}
	if got := engine.SweepInterval(branches, time.Minute); got != 30*time.Second {
		t.Fatalf("interval %s, want 30s", got)
	}
	if got := engine.SweepInterval(branches, 5*time.Second); got != 5*time.Second {
		t.Fatalf("interval %s, want 5s", got)
	}
}

func TestConcurrentConfirmAndSweep(t *testing.T) {
	env := newTestEnv(t, branch("b1", 3))
	var ids []string
	for i := 0; i < 30; i++ {
		ids = append(ids, env.join(t, "b1").ID)
	}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, id := range ids {
					tk, err := env.C.Ticket(id)
					if err != nil {
						continue
					}
					switch tk.Status {
					case domain.StatusEligibleForEntry:
						_, _ = env.C.ConfirmEntry(env.Ctx, id)
					case domain.StatusInBuilding:
						_, _ = env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: id, Target: domain.StatusInService, Actor: domain.ActorTeller, Counter: fmt.Sprintf("c%d", w)})
					case domain.StatusInService:
						_, _ = env.C.RequestTransition(env.Ctx, engine.TransitionRequest{TicketID: id, Target: domain.StatusServed, Actor: domain.ActorTeller})
					}
				}
			}
		}(w)
	}
	errs := make(chan error, 100)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			env.C.Tick(env.Ctx, t0.Add(time.Duration(i)*time.Minute))
			if err := checkInvariants(env, "b1"); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assertInvariants(t, env, "b1")
}
