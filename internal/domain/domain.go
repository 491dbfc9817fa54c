package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRemoteWaiting    Status = "REMOTE_WAITING"
	StatusEligibleForEntry Status = "ELIGIBLE_FOR_ENTRY"
	StatusInBuilding       Status = "IN_BUILDING"
	StatusInService        Status = "IN_SERVICE"
	StatusServed           Status = "SERVED"
	StatusCompleted        Status = "COMPLETED"
	StatusRemoved          Status = "REMOVED"
)

var allStatuses = []Status{
	StatusRemoteWaiting,
	StatusEligibleForEntry,
	StatusInBuilding,
	StatusInService,
	StatusServed,
	StatusCompleted,
	StatusRemoved,
}

// Terminal reports whether the ticket can no longer change status.
func (s Status) Terminal() bool {
	return s == StatusServed || s == StatusCompleted || s == StatusRemoved
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts the canonical upper-case form as well as lower/kebab variants.
func ParseStatus(in string) (Status, error) {
	s := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(in), "-", "_")))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", in)
	}
	return s, nil
}

type Actor string

const (
	ActorSystem    Actor = "system"
	ActorReception Actor = "reception"
	ActorTeller    Actor = "teller"
	ActorCustomer  Actor = "customer"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorSystem, ActorReception, ActorTeller, ActorCustomer:
		return true
	}
	return false
}

func ParseActor(in string) (Actor, error) {
	a := Actor(strings.ToLower(strings.TrimSpace(in)))
	if !a.Valid() {
		return "", fmt.Errorf("invalid actor %q", in)
	}
	return a, nil
}

type Branch struct {
	ID                            string `json:"id"`
	Name                          string `json:"name,omitempty"`
	MaxOccupancy                  int    `json:"max_occupancy"`
	GracePeriodSeconds            int    `json:"grace_period_seconds"`
	AverageServiceMinutes         int    `json:"average_service_minutes"`
	ExcludeInServiceFromOccupancy bool   `json:"exclude_in_service_from_occupancy"`
	IsPaused                      bool   `json:"is_paused"`
}

func (b Branch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("branch id is required")
	}
	if b.MaxOccupancy <= 0 {
		return fmt.Errorf("branch %s: max_occupancy must be > 0", b.ID)
	}
	if b.GracePeriodSeconds <= 0 {
		return fmt.Errorf("branch %s: grace_period_seconds must be > 0", b.ID)
	}
	if b.AverageServiceMinutes < 0 {
		return fmt.Errorf("branch %s: average_service_minutes must be >= 0", b.ID)
	}
	return nil
}

func (b Branch) GracePeriod() time.Duration {
	return time.Duration(b.GracePeriodSeconds) * time.Second
}

// CountsTowardOccupancy reports whether a ticket in status s is physically
// counted against the branch's capacity.
func (b Branch) CountsTowardOccupancy(s Status) bool {
	switch s {
	case StatusInBuilding:
		return true
	case StatusInService:
		return !b.ExcludeInServiceFromOccupancy
	}
	return false
}

type CustomerInfo struct {
	Name            string `json:"name,omitempty"`
	Phone           string `json:"phone,omitempty"`
	ServiceCategory string `json:"service_category,omitempty"`
	// Owner is the authenticated subject that joined, if a customer did.
	Owner string `json:"owner,omitempty"`
}

type StatusTransition struct {
	TicketID    string    `json:"ticket_id"`
	From        Status    `json:"from_status"`
	To          Status    `json:"to_status"`
	At          time.Time `json:"timestamp" format:"date-time"`
	TriggeredBy Actor     `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
}

type Ticket struct {
	ID                 string             `json:"id"`
	BranchID           string             `json:"branch_id"`
	QueueNumber        int                `json:"queue_number"`
	Status             Status             `json:"status"`
	CustomerName       string             `json:"customer_name,omitempty"`
	CustomerPhone      string             `json:"customer_phone,omitempty"`
	ServiceCategory    string             `json:"service_category,omitempty"`
	Counter            string             `json:"counter,omitempty"`
	Owner              string             `json:"owner,omitempty"`
	JoinedAt           time.Time          `json:"joined_at" format:"date-time"`
	EligibleForEntryAt *time.Time         `json:"eligible_for_entry_at,omitempty" format:"date-time"`
	EnteredBuildingAt  *time.Time         `json:"entered_building_at,omitempty" format:"date-time"`
	LeftBuildingAt     *time.Time         `json:"left_building_at,omitempty" format:"date-time"`
	ServiceStartedAt   *time.Time         `json:"service_started_at,omitempty" format:"date-time"`
	ServiceEndedAt     *time.Time         `json:"service_ended_at,omitempty" format:"date-time"`
	BumpedAt           *time.Time         `json:"bumped_at,omitempty" format:"date-time"`
	WaitTimeMinutes    *int               `json:"wait_time_minutes,omitempty"`
	IsNoShow           bool               `json:"is_no_show"`
	FeedbackRating     *int               `json:"feedback_rating,omitempty"`
	StatusHistory      []StatusTransition `json:"status_history"`
}

// Clone returns a deep copy safe to hand to code outside the coordinator.
func (t Ticket) Clone() Ticket {
	c := t
	c.EligibleForEntryAt = cloneTime(t.EligibleForEntryAt)
	c.EnteredBuildingAt = cloneTime(t.EnteredBuildingAt)
	c.LeftBuildingAt = cloneTime(t.LeftBuildingAt)
	c.ServiceStartedAt = cloneTime(t.ServiceStartedAt)
	c.ServiceEndedAt = cloneTime(t.ServiceEndedAt)
	c.BumpedAt = cloneTime(t.BumpedAt)
	c.WaitTimeMinutes = cloneInt(t.WaitTimeMinutes)
	c.FeedbackRating = cloneInt(t.FeedbackRating)
	c.StatusHistory = append([]StatusTransition(nil), t.StatusHistory...)
	return c
}

// Active reports whether the ticket still participates in queue ordering.
func (t Ticket) Active() bool { return !t.Status.Terminal() }

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type EventType string

const (
	EventTicketUpdated    EventType = "ticket.updated"
	EventTicketPromoted   EventType = "ticket.promoted"
	EventTicketDemoted    EventType = "ticket.demoted"
	EventOccupancyChanged EventType = "occupancy.changed"
)

// Event is emitted by the coordinator after a committed change. Ticket holds
// a snapshot taken at emission time.
type Event struct {
	Type      EventType `json:"type"`
	BranchID  string    `json:"branch_id"`
	Ticket    *Ticket   `json:"ticket,omitempty"`
	Rank      int       `json:"rank,omitempty"`
	Occupancy int       `json:"occupancy"`
	Actor     Actor     `json:"actor,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at" format:"date-time"`
}

func (e Event) TicketID() string {
	if e.Ticket == nil {
		return ""
	}
	return e.Ticket.ID
}

// LogEntry is a persisted event row. Payload is the JSON encoding of the Event.
type LogEntry struct {
	ID       int64     `json:"id"`
	TS       string    `json:"ts"`
	Type     EventType `json:"type"`
	BranchID string    `json:"branch_id"`
	TicketID string    `json:"ticket_id,omitempty"`
	Actor    Actor     `json:"actor,omitempty"`
	Cause    string    `json:"cause,omitempty"`
	Payload  string    `json:"payload,omitempty"`
}
