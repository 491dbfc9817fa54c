package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lobbyline/internal/domain"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.TransitionCommitted("b1", domain.StatusRemoteWaiting, domain.StatusEligibleForEntry, domain.ActorSystem)
	c.AdmissionRefused("b1")
	c.AdmissionRefused("b1")
	c.Observe(domain.Event{Type: domain.EventTicketPromoted, BranchID: "b1", Occupancy: 2})
	c.Observe(domain.Event{Type: domain.EventTicketDemoted, BranchID: "b1", Occupancy: 1, Cause: "grace period expired"})

	if got := testutil.ToFloat64(c.refusals.WithLabelValues("b1")); got != 2 {
		t.Fatalf("refusals = %v", got)
	}
	if got := testutil.ToFloat64(c.occupancy.WithLabelValues("b1")); got != 1 {
		t.Fatalf("occupancy = %v", got)
	}
	if got := testutil.ToFloat64(c.demotions.WithLabelValues("b1", "grace period expired")); got != 1 {
		t.Fatalf("demotions = %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "lobbyline_transitions_total") {
		t.Fatalf("metrics output missing transitions")
	}
}
