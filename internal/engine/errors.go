package engine

import (
	"errors"
	"fmt"

	"lobbyline/internal/domain"
)

type Kind string

const (
	KindInvalidTransition Kind = "invalid_transition"
	KindAtCapacity        Kind = "at_capacity"
	KindTicketNotFound    Kind = "ticket_not_found"
	KindStaleOperation    Kind = "stale_operation"
	KindBranchNotFound    Kind = "branch_not_found"
	KindInvalidBranch     Kind = "invalid_branch"
	KindInvalidRating     Kind = "invalid_rating"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrAtCapacity        = &Error{Kind: KindAtCapacity}
	ErrTicketNotFound    = &Error{Kind: KindTicketNotFound}
	ErrStaleOperation    = &Error{Kind: KindStaleOperation}
	ErrBranchNotFound    = &Error{Kind: KindBranchNotFound}
	ErrInvalidBranch     = &Error{Kind: KindInvalidBranch}
	ErrInvalidRating     = &Error{Kind: KindInvalidRating}
)

// Error is the typed result returned by every coordinator command.
type Error struct {
	Kind     Kind
	TicketID string
	BranchID string
	From     domain.Status
	To       domain.Status
	Actor    domain.Actor
	Detail   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidTransition:
		msg := fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
		if e.Actor != "" {
			msg += fmt.Sprintf(" by %s", e.Actor)
		}
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
		return msg
	case KindAtCapacity:
		return fmt.Sprintf("branch %s at capacity", e.BranchID)
	case KindTicketNotFound:
		return fmt.Sprintf("ticket %s not found", e.TicketID)
	case KindStaleOperation:
		return fmt.Sprintf("ticket %s already %s", e.TicketID, e.From)
	case KindBranchNotFound:
		return fmt.Sprintf("branch %s not found", e.BranchID)
	}
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the Kind of an engine error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
