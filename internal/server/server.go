package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lobbyline/internal/app"
	"lobbyline/internal/domain"
	"lobbyline/internal/engine"
	"lobbyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"at_capacity"`
	Message string         `json:"message" example:"branch main at capacity"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"branch_id\":\"main\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lobbyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Method != http.MethodGet {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
				r = r.WithContext(ctx)
			}
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", cfg.App.Metrics.Handler())
	router.Get(path.Join(basePath, "branches/{branch_id}/stream"), streamHandler(cfg.App))

	hcfg := huma.DefaultConfig("Lobbyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBranches(group, cfg.App)
	registerTickets(group, cfg.App)
	registerEvents(group, cfg.App)
	registerSweep(group, cfg.App)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		details := map[string]any{}
		if ee.BranchID != "" {
			details["branch_id"] = ee.BranchID
		}
		if ee.TicketID != "" {
			details["ticket_id"] = ee.TicketID
		}
		if ee.From != "" {
			details["from"] = ee.From
		}
		if ee.To != "" {
			details["to"] = ee.To
		}
		if ee.Actor != "" {
			details["actor"] = ee.Actor
		}
		if len(details) == 0 {
			details = nil
		}
		status := http.StatusInternalServerError
		switch ee.Kind {
		case engine.KindTicketNotFound, engine.KindBranchNotFound:
			status = http.StatusNotFound
		case engine.KindAtCapacity, engine.KindStaleOperation:
			status = http.StatusConflict
		case engine.KindInvalidTransition:
			status = http.StatusUnprocessableEntity
		case engine.KindInvalidBranch, engine.KindInvalidRating:
			status = http.StatusBadRequest
		}
		return newAPIError(status, string(ee.Kind), err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		oasJSON []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			oasJSON, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(oasJSON)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lobbyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;. The token's role claim selects the actor.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var staff = []domain.Actor{domain.ActorReception, domain.ActorTeller, domain.ActorSystem}
var anyone = []domain.Actor{domain.ActorReception, domain.ActorTeller, domain.ActorSystem, domain.ActorCustomer}

type branchPath struct {
	BranchID string `path:"branch_id"`
}

type ticketPath struct {
	TicketID string `path:"ticket_id"`
}

type ticketOutput struct {
	Body domain.Ticket `json:"body"`
}

func registerBranches(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-branches",
		Method:      http.MethodGet,
		Path:        "/branches",
		Summary:     "List branches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Branch `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, anyone...); err != nil {
			return nil, err
		}
		return &struct {
			Body []domain.Branch `json:"body"`
		}{Body: a.Coordinator.Branches()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-branch",
		Method:      http.MethodPost,
		Path:        "/branches",
		Summary:     "Create or replace a branch",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateBranchRequest `json:"body"`
	}) (*struct {
		Body BranchResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, domain.ActorReception, domain.ActorSystem); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		req := UpdateBranchRequest{
			Name:                          input.Body.Name,
			MaxOccupancy:                  input.Body.MaxOccupancy,
			GracePeriodSeconds:            input.Body.GracePeriodSeconds,
			AverageServiceMinutes:         input.Body.AverageServiceMinutes,
			ExcludeInServiceFromOccupancy: input.Body.ExcludeInServiceFromOccupancy,
			Paused:                        input.Body.Paused,
		}
		res, err := a.SaveBranch(ctx, req.update(id))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BranchResponse `json:"body"`
		}{Body: BranchResponse{Branch: res.Branch, Created: res.Created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-branch",
		Method:      http.MethodPatch,
		Path:        "/branches/{branch_id}",
		Summary:     "Update branch settings",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BranchID string              `path:"branch_id"`
		Body     UpdateBranchRequest `json:"body"`
	}) (*struct {
		Body domain.Branch `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, domain.ActorReception, domain.ActorSystem); err != nil {
			return nil, err
		}
		if _, err := a.Coordinator.Branch(input.BranchID); err != nil {
			return nil, handleError(err)
		}
		res, err := a.SaveBranch(ctx, input.Body.update(input.BranchID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Branch `json:"body"`
		}{Body: res.Branch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "branch-snapshot",
		Method:      http.MethodGet,
		Path:        "/branches/{branch_id}/snapshot",
		Summary:     "Branch occupancy and ordered queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *branchPath) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, anyone...); err != nil {
			return nil, err
		}
		snap, err := a.Coordinator.Snapshot(input.BranchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/branches/{branch_id}/tickets",
		Summary:     "List tickets in queue order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BranchID        string `path:"branch_id"`
		Status          string `query:"status"`
		IncludeTerminal bool   `query:"include_terminal"`
	}) (*struct {
		Body TicketListResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, staff...); err != nil {
			return nil, err
		}
		var want domain.Status
		if input.Status != "" {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
			want = s
		}
		tickets, err := a.Coordinator.Tickets(input.BranchID, input.IncludeTerminal || (want != "" && want.Terminal()))
		if err != nil {
			return nil, handleError(err)
		}
		resp := TicketListResponse{Items: []domain.Ticket{}}
		for _, t := range tickets {
			if want == "" || t.Status == want {
				resp.Items = append(resp.Items, t)
			}
		}
		return &struct {
			Body TicketListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-next",
		Method:      http.MethodPost,
		Path:        "/branches/{branch_id}/promote",
		Summary:     "Invite the next waiting ticket if capacity allows",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *branchPath) (*struct {
		Body PromoteResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, staff...); err != nil {
			return nil, err
		}
		t, err := a.Coordinator.PromoteNext(ctx, input.BranchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PromoteResponse `json:"body"`
		}{Body: PromoteResponse{Promoted: t != nil, Ticket: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "join-queue",
		Method:        http.MethodPost,
		Path:          "/branches/{branch_id}/tickets",
		Summary:       "Join the remote queue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BranchID string           `path:"branch_id"`
		Body     JoinQueueRequest `json:"body"`
	}) (*ticketOutput, error) {
		actor, authErr := requireRole(ctx, domain.ActorCustomer, domain.ActorReception)
		if authErr != nil {
			return nil, authErr
		}
		var owner string
		if p, _ := principalFromContext(ctx); actor == domain.ActorCustomer {
			owner = p.Subject
		}
		b, err := a.Coordinator.Branch(input.BranchID)
		if err != nil {
			return nil, handleError(err)
		}
		if b.IsPaused {
			return nil, newAPIError(http.StatusConflict, "branch_paused", fmt.Sprintf("branch %s is not accepting joins", b.ID), map[string]any{"branch_id": b.ID})
		}
		t, err := a.Coordinator.JoinQueue(ctx, input.BranchID, domain.CustomerInfo{
			Name:            input.Body.Name,
			Phone:           input.Body.Phone,
			ServiceCategory: input.Body.ServiceCategory,
			Owner:           owner,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})
}

func registerTickets(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*ticketOutput, error) {
		if _, err := requireRole(ctx, anyone...); err != nil {
			return nil, err
		}
		t, err := a.Coordinator.Ticket(input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-history",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/history",
		Summary:     "Ticket status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ticketPath) (*struct {
		Body []domain.StatusTransition `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, anyone...); err != nil {
			return nil, err
		}
		hist, err := a.Coordinator.History(input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusTransition `json:"body"`
		}{Body: hist}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/transition",
		Summary:     "Request a status change as the calling role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TicketID string                  `path:"ticket_id"`
		Body     TransitionTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		actor, authErr := requireRole(ctx, anyone...)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(ctx, a, actor, input.TicketID); err != nil {
			return nil, err
		}
		target, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Body.Status})
		}
		t, err := a.Coordinator.RequestTransition(ctx, engine.TransitionRequest{
			TicketID: input.TicketID,
			Target:   target,
			Actor:    actor,
			Reason:   input.Body.Reason,
			Counter:  input.Body.Counter,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-entry",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/confirm",
		Summary:     "Customer confirms walking in",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *ticketPath) (*ticketOutput, error) {
		actor, authErr := requireRole(ctx, domain.ActorCustomer)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(ctx, a, actor, input.TicketID); err != nil {
			return nil, err
		}
		t, err := a.Coordinator.ConfirmEntry(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flag-no-show",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/no-show",
		Summary:     "Flag a customer who did not turn up",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *ticketPath) (*ticketOutput, error) {
		actor, authErr := requireRole(ctx, domain.ActorReception, domain.ActorTeller)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Coordinator.FlagNoShow(ctx, input.TicketID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rate-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/rating",
		Summary:     "Leave feedback on a served ticket",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string            `path:"ticket_id"`
		Body     RateTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		actor, authErr := requireRole(ctx, domain.ActorCustomer)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireOwner(ctx, a, actor, input.TicketID); err != nil {
			return nil, err
		}
		t, err := a.Coordinator.RateTicket(ctx, input.TicketID, input.Body.Rating)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: t}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/branches/{branch_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BranchID string `path:"branch_id"`
		Type     string `query:"type"`
		TicketID string `query:"ticket_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, staff...); err != nil {
			return nil, err
		}
		if _, err := a.Coordinator.Branch(input.BranchID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Repo.LatestEvents(ctx, repo.EventFilters{
			BranchID: input.BranchID,
			Type:     input.Type,
			TicketID: input.TicketID,
			Before:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSweep(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "grace-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one grace-period sweep now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepReport `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, domain.ActorSystem); err != nil {
			return nil, err
		}
		report := a.Coordinator.Tick(ctx, a.Coordinator.Now())
		return &struct {
			Body engine.SweepReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, Role: p.Role, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		role, err := domain.ParseActor(input.Body.Role)
		if subject == "" || err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject and a valid role are required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, subject, role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
