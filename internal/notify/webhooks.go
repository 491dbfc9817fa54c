package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lobbyline/internal/config"
	"lobbyline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventLog is the slice of the repository the webhook dispatcher reads.
type EventLog interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, branchID string) ([]domain.LogEntry, error)
	LatestEventID(ctx context.Context, branchID string) (int64, error)
}

// WebhookDispatcher tails the persisted event log and POSTs promotion and
// demotion events to each configured hook. Every hook keeps its own cursor,
// starting at the newest event, and does not advance past a failed delivery.
type WebhookDispatcher struct {
	Log      EventLog
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger
	Client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *WebhookDispatcher) client() *http.Client {
	if d.Client == nil {
		return &http.Client{Timeout: defaultWebhookTimeout}
	}
	return d.Client
}

// DispatchAll runs one delivery pass over every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.Log.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.logger().Error("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(string(entry.Type)) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, entry); err != nil {
			d.logger().Error("webhook: delivery failed", "url", hook.URL, "event_id", entry.ID, "err", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Log.LatestEventID(ctx, "")
	if err != nil {
		d.logger().Error("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID           int64            `json:"id"`
	Type         domain.EventType `json:"type"`
	BranchID     string           `json:"branch_id"`
	TicketID     string           `json:"ticket_id,omitempty"`
	TS           string           `json:"ts"`
	Notification *Notification    `json:"notification,omitempty"`
	Payload      json.RawMessage  `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, entry domain.LogEntry) error {
	body := webhookEvent{
		ID:       entry.ID,
		Type:     entry.Type,
		BranchID: entry.BranchID,
		TicketID: entry.TicketID,
		TS:       entry.TS,
		Payload:  json.RawMessage("{}"),
	}
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		body.Payload = json.RawMessage(entry.Payload)
		var evt domain.Event
		if err := json.Unmarshal([]byte(entry.Payload), &evt); err == nil {
			if n, ok := FromEvent(evt); ok {
				body.Notification = &n
			}
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lobbyline-Event", string(entry.Type))
	req.Header.Set("X-Lobbyline-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Lobbyline-Branch", entry.BranchID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Lobbyline-Secret", hook.Secret)
	}
	res, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	set map[string]struct{}
}

// newEventFilter defaults to promotions and demotions, the only events
// customers are told about.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		set[string(domain.EventTicketPromoted)] = struct{}{}
		set[string(domain.EventTicketDemoted)] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	_, ok := f.set[evt]
	return ok
}
