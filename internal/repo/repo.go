package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lobbyline/internal/domain"
	"lobbyline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

const tsLayout = time.RFC3339Nano

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) UpsertBranch(ctx context.Context, b domain.Branch) error {
	return upsertBranch(ctx, r.DB, b)
}

func (r Repo) UpsertBranchTx(ctx context.Context, tx *sql.Tx, b domain.Branch) error {
	return upsertBranch(ctx, tx, b)
}

func upsertBranch(ctx context.Context, exec execer, b domain.Branch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(tsLayout)
	_, err := exec.ExecContext(ctx, `INSERT INTO branches(id,name,max_occupancy,grace_period_seconds,average_service_minutes,exclude_in_service,is_paused,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, max_occupancy=excluded.max_occupancy, grace_period_seconds=excluded.grace_period_seconds,
average_service_minutes=excluded.average_service_minutes, exclude_in_service=excluded.exclude_in_service, is_paused=excluded.is_paused, updated_at=excluded.updated_at`,
		b.ID, nullable(b.Name), b.MaxOccupancy, b.GracePeriodSeconds, b.AverageServiceMinutes, b.ExcludeInServiceFromOccupancy, b.IsPaused, now, now)
	return err
}

const branchColumns = `id,COALESCE(name,''),max_occupancy,grace_period_seconds,average_service_minutes,exclude_in_service,is_paused`

func scanBranch(scan func(dest ...any) error) (domain.Branch, error) {
	var b domain.Branch
	err := scan(&b.ID, &b.Name, &b.MaxOccupancy, &b.GracePeriodSeconds, &b.AverageServiceMinutes, &b.ExcludeInServiceFromOccupancy, &b.IsPaused)
	return b, err
}

func (r Repo) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	b, err := scanBranch(r.DB.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SaveTicketTx upserts the ticket row and appends any transitions not yet
// stored. History is append-only, so rows are keyed by position.
func (r Repo) SaveTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	now := time.Now().UTC().Format(tsLayout)
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id,branch_id,queue_number,status,customer_name,customer_phone,service_category,counter,owner,joined_at,
eligible_for_entry_at,entered_building_at,left_building_at,service_started_at,service_ended_at,bumped_at,wait_time_minutes,is_no_show,feedback_rating,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET queue_number=excluded.queue_number, status=excluded.status, counter=excluded.counter,
eligible_for_entry_at=excluded.eligible_for_entry_at, entered_building_at=excluded.entered_building_at, left_building_at=excluded.left_building_at,
service_started_at=excluded.service_started_at, service_ended_at=excluded.service_ended_at, bumped_at=excluded.bumped_at,
wait_time_minutes=excluded.wait_time_minutes, is_no_show=excluded.is_no_show, feedback_rating=excluded.feedback_rating, updated_at=excluded.updated_at`,
		t.ID, t.BranchID, t.QueueNumber, string(t.Status), nullable(t.CustomerName), nullable(t.CustomerPhone), nullable(t.ServiceCategory), nullable(t.Counter), nullable(t.Owner),
		t.JoinedAt.UTC().Format(tsLayout), nullableTime(t.EligibleForEntryAt), nullableTime(t.EnteredBuildingAt), nullableTime(t.LeftBuildingAt),
		nullableTime(t.ServiceStartedAt), nullableTime(t.ServiceEndedAt), nullableTime(t.BumpedAt), nullableIntPtr(t.WaitTimeMinutes), t.IsNoShow,
		nullableIntPtr(t.FeedbackRating), now)
	if err != nil {
		return fmt.Errorf("save ticket %s: %w", t.ID, err)
	}
	for i, tr := range t.StatusHistory {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ticket_transitions(ticket_id,seq,from_status,to_status,ts,triggered_by,reason) VALUES (?,?,?,?,?,?,?)`,
			t.ID, i+1, string(tr.From), string(tr.To), tr.At.UTC().Format(tsLayout), string(tr.TriggeredBy), nullable(tr.Reason))
		if err != nil {
			return fmt.Errorf("save transition %s#%d: %w", t.ID, i+1, err)
		}
	}
	return nil
}

// Apply persists one coordinator event: the ticket snapshot it carries, if
// any, and the event row, in a single transaction.
func (r Repo) Apply(ctx context.Context, evt domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if evt.Ticket != nil && evt.Type == domain.EventTicketUpdated {
		if err := r.SaveTicketTx(ctx, tx, *evt.Ticket); err != nil {
			return err
		}
	}
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

const ticketColumns = `id,branch_id,queue_number,status,COALESCE(customer_name,''),COALESCE(customer_phone,''),COALESCE(service_category,''),COALESCE(counter,''),COALESCE(owner,''),joined_at,
eligible_for_entry_at,entered_building_at,left_building_at,service_started_at,service_ended_at,bumped_at,wait_time_minutes,is_no_show,feedback_rating`

func scanTicket(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var status, joined string
	var eligible, entered, left, started, ended, bumped sql.NullString
	var wait, rating sql.NullInt64
	err := scan(&t.ID, &t.BranchID, &t.QueueNumber, &status, &t.CustomerName, &t.CustomerPhone, &t.ServiceCategory, &t.Counter, &t.Owner, &joined,
		&eligible, &entered, &left, &started, &ended, &bumped, &wait, &t.IsNoShow, &rating)
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	if t.JoinedAt, err = time.Parse(tsLayout, joined); err != nil {
		return t, fmt.Errorf("ticket %s joined_at: %w", t.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{eligible, &t.EligibleForEntryAt},
		{entered, &t.EnteredBuildingAt},
		{left, &t.LeftBuildingAt},
		{started, &t.ServiceStartedAt},
		{ended, &t.ServiceEndedAt},
		{bumped, &t.BumpedAt},
	} {
		if !f.src.Valid {
			continue
		}
		ts, err := time.Parse(tsLayout, f.src.String)
		if err != nil {
			return t, fmt.Errorf("ticket %s: %w", t.ID, err)
		}
		*f.dst = &ts
	}
	if wait.Valid {
		w := int(wait.Int64)
		t.WaitTimeMinutes = &w
	}
	if rating.Valid {
		v := int(rating.Int64)
		t.FeedbackRating = &v
	}
	return t, nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	t, err := scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.StatusHistory, err = r.ListTransitions(ctx, id)
	return t, err
}

type TicketFilters struct {
	BranchID   string
	Status     string
	ActiveOnly bool
	Limit      int
}

// ListTickets returns tickets with their history, ordered by queue number.
func (r Repo) ListTickets(ctx context.Context, f TicketFilters) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.BranchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, f.BranchID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status NOT IN (?,?,?)")
		args = append(args, string(domain.StatusServed), string(domain.StatusCompleted), string(domain.StatusRemoved))
	}
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY branch_id, queue_number, joined_at, id`, ticketColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	res, err := queryTickets(ctx, r.DB, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].StatusHistory, err = r.ListTransitions(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func queryTickets(ctx context.Context, q querier, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTransitions(ctx context.Context, ticketID string) ([]domain.StatusTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_status,to_status,ts,triggered_by,COALESCE(reason,'') FROM ticket_transitions WHERE ticket_id=? ORDER BY seq`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		tr := domain.StatusTransition{TicketID: ticketID}
		var from, to, ts, actor string
		if err := rows.Scan(&from, &to, &ts, &actor, &tr.Reason); err != nil {
			return nil, err
		}
		tr.From, tr.To, tr.TriggeredBy = domain.Status(from), domain.Status(to), domain.Actor(actor)
		if tr.At, err = time.Parse(tsLayout, ts); err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// CountTicketsByStatus reports how many stored tickets of a branch sit in each status.
func (r Repo) CountTicketsByStatus(ctx context.Context, branchID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets WHERE branch_id=? GROUP BY status`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

type EventFilters struct {
	BranchID string
	Type     string
	TicketID string
	// Before pages backwards from an event id; zero means newest.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.BranchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, f.BranchID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,branch_id,COALESCE(ticket_id,''),COALESCE(actor,''),COALESCE(cause,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, branchID string) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if branchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, branchID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,branch_id,COALESCE(ticket_id,''),COALESCE(actor,''),COALESCE(cause,''),payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var typ, actor string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &typ, &e.BranchID, &e.TicketID, &actor, &e.Cause, &payload); err != nil {
			return nil, err
		}
		e.Type, e.Actor = domain.EventType(typ), domain.Actor(actor)
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally for one branch.
func (r Repo) LatestEventID(ctx context.Context, branchID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if branchID != "" {
		query += ` WHERE branch_id=?`
		args = append(args, branchID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(tsLayout)
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
