package lobbylinesdk_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"lobbyline/internal/app"
	"lobbyline/internal/config"
	"lobbyline/internal/server"
	lobbylinesdk "lobbyline/sdk/go"
)

func newServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default("main")
	cfg.Branches[0].MaxOccupancy = 1
	a, err := app.Bootstrap(ctx, app.Options{Workspace: t.TempDir(), Config: cfg})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := server.New(server.Config{App: a, Auth: server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		a.Close(ctx)
	})
	return "http://" + ln.Addr().String()
}

func TestClientRoundTrip(t *testing.T) {
	baseURL := newServer(t)
	ctx := context.Background()

	anon := lobbylinesdk.New(baseURL, "")
	customerToken, err := anon.DevLogin(ctx, "c1", "customer")
	if err != nil {
		t.Fatalf("dev login: %v", err)
	}
	tellerToken, err := anon.DevLogin(ctx, "t1", "teller")
	if err != nil {
		t.Fatalf("dev login: %v", err)
	}
	customer := lobbylinesdk.New(baseURL, customerToken)
	teller := lobbylinesdk.New(baseURL, tellerToken)

	first, err := customer.Join(ctx, "main", "Ana", "", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := customer.Join(ctx, "main", "Ben", "", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if first.Status != "ELIGIBLE_FOR_ENTRY" || second.Status != "REMOTE_WAITING" {
		t.Fatalf("unexpected statuses %s %s", first.Status, second.Status)
	}
	if _, err := customer.Confirm(ctx, second.ID); lobbylinesdk.ErrorCode(err) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
	if _, err := customer.Confirm(ctx, first.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := teller.Transition(ctx, first.ID, "IN_SERVICE", "", "B2"); err != nil {
		t.Fatalf("start service: %v", err)
	}
	if _, err := teller.Transition(ctx, first.ID, "COMPLETED", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap, err := teller.Snapshot(ctx, "main")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Eligible != 1 || len(snap.Queue) != 1 || snap.Queue[0].Ticket.ID != second.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	hist, err := customer.History(ctx, first.ID)
	if err != nil || len(hist) != 4 {
		t.Fatalf("history %v %d", err, len(hist))
	}
	if _, err := teller.Sweep(ctx); lobbylinesdk.ErrorCode(err) != "forbidden" {
		t.Fatalf("teller sweep should be forbidden, got %v", err)
	}
}
