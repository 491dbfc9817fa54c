package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lobbyline/internal/domain"
)

// Writer appends coordinator events to the events table.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := evt.At
	if ts.IsZero() {
		ts = w.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,branch_id,ticket_id,actor,cause,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), string(evt.Type), evt.BranchID, nullable(evt.TicketID()), nullable(string(evt.Actor)), nullable(evt.Cause), string(data))
	return err
}

// Decode turns a stored row back into the event it was written from.
func Decode(entry domain.LogEntry) (domain.Event, error) {
	var evt domain.Event
	if entry.Payload == "" {
		return evt, fmt.Errorf("event %d has no payload", entry.ID)
	}
	if err := json.Unmarshal([]byte(entry.Payload), &evt); err != nil {
		return evt, fmt.Errorf("decode event %d: %w", entry.ID, err)
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
