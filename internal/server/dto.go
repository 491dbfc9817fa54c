package server

import (
	"encoding/json"

	"lobbyline/internal/domain"
	"lobbyline/internal/engine"
)

// Request payloads

type CreateBranchRequest struct {
	ID                            string  `json:"id"`
	Name                          *string `json:"name,omitempty"`
	MaxOccupancy                  *int    `json:"max_occupancy,omitempty"`
	GracePeriodSeconds            *int    `json:"grace_period_seconds,omitempty"`
	AverageServiceMinutes         *int    `json:"average_service_minutes,omitempty"`
	ExcludeInServiceFromOccupancy *bool   `json:"exclude_in_service_from_occupancy,omitempty"`
	Paused                        *bool   `json:"paused,omitempty"`
}

type UpdateBranchRequest struct {
	Name                          *string `json:"name,omitempty"`
	MaxOccupancy                  *int    `json:"max_occupancy,omitempty"`
	GracePeriodSeconds            *int    `json:"grace_period_seconds,omitempty"`
	AverageServiceMinutes         *int    `json:"average_service_minutes,omitempty"`
	ExcludeInServiceFromOccupancy *bool   `json:"exclude_in_service_from_occupancy,omitempty"`
	Paused                        *bool   `json:"paused,omitempty"`
}

func (r UpdateBranchRequest) update(id string) engine.BranchUpdate {
	return engine.BranchUpdate{
		ID:                            id,
		Name:                          r.Name,
		MaxOccupancy:                  r.MaxOccupancy,
		GracePeriodSeconds:            r.GracePeriodSeconds,
		AverageServiceMinutes:         r.AverageServiceMinutes,
		ExcludeInServiceFromOccupancy: r.ExcludeInServiceFromOccupancy,
		Paused:                        r.Paused,
	}
}

type JoinQueueRequest struct {
	Name            string `json:"name,omitempty"`
	Phone           string `json:"phone,omitempty"`
	ServiceCategory string `json:"service_category,omitempty"`
}

type TransitionTicketRequest struct {
	Status  string `json:"status" enum:"REMOTE_WAITING,ELIGIBLE_FOR_ENTRY,IN_BUILDING,IN_SERVICE,SERVED,COMPLETED,REMOVED"`
	Reason  string `json:"reason,omitempty"`
	Counter string `json:"counter,omitempty"`
}

type RateTicketRequest struct {
	Rating int `json:"rating"`
}

type DevLoginRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role" enum:"system,reception,teller,customer"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Subject string       `json:"subject,omitempty"`
	Role    domain.Actor `json:"role"`
	Source  string       `json:"source"`
}

type BranchResponse struct {
	Branch  domain.Branch `json:"branch"`
	Created bool          `json:"created"`
}

type TicketListResponse struct {
	Items []domain.Ticket `json:"items"`
}

type PromoteResponse struct {
	Promoted bool           `json:"promoted"`
	Ticket   *domain.Ticket `json:"ticket,omitempty"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	BranchID string         `json:"branch_id"`
	TicketID string         `json:"ticket_id,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Cause    string         `json:"cause,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.LogEntry) EventResponse {
	resp := EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     string(e.Type),
		BranchID: e.BranchID,
		TicketID: e.TicketID,
		Actor:    string(e.Actor),
		Cause:    e.Cause,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
