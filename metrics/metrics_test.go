package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New("dealflow_test")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/deals/{dealID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/deals/"+id, nil))
	}

	if got := testutil.ToFloat64(m.RequestCount.WithLabelValues(http.MethodGet, "/api/deals/{dealID}", "404")); got != 2 {
		t.Fatalf("expected 2 requests on the pattern label, got %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorsCount.WithLabelValues(http.MethodGet, "/api/deals/{dealID}", "client_error")); got != 2 {
		t.Fatalf("expected 2 client errors, got %v", got)
	}
}

func TestDomainCounters(t *testing.T) {
	m := New("dealflow_test")
	m.RevisionAppended("stage_change")
	m.TokenIssued()
	m.Redeemed("already_used")
	m.OutboxPublished("client.invited", "ok")

	if got := testutil.ToFloat64(m.RevisionsAppended.WithLabelValues("stage_change")); got != 1 {
		t.Fatalf("revisions: %v", got)
	}
	if got := testutil.ToFloat64(m.TokensIssued); got != 1 {
		t.Fatalf("tokens: %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dealflow_test_document_redemptions_total") {
		t.Fatalf("exposition missing redemption counter:\n%s", rec.Body.String())
	}
}

func TestHealth_Ready(t *testing.T) {
	healthy := NewHealth(map[string]Check{"postgres": func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	healthy.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	broken := NewHealth(map[string]Check{"redis": func(context.Context) error { return errors.New("dial tcp: refused") }})
	rec = httptest.NewRecorder()
	broken.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "refused") {
		t.Fatalf("expected failing check in body, got %s", rec.Body.String())
	}
}
