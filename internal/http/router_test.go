package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"smartseller/internal/auth"
	"smartseller/internal/backfill"
	"smartseller/internal/config"
	"smartseller/internal/credentials"
	"smartseller/internal/engine"
	"smartseller/internal/ingest"
	"smartseller/internal/jobs"
	"smartseller/internal/lock"
)

type testServer struct {
	h      http.Handler
	eng    *engine.Engine
	locks  *lock.MemManager
	events *ingest.MemEvents
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		LeaseSeconds:      5,
		BatchSize:         10,
		IngestBatchSize:   10,
		MaxConcurrent:     2,
		MaxAttempts:       3,
		IngestMaxAttempts: 3,
		BackoffBase:       time.Second,
		BackoffMax:        time.Minute,
		RefreshHorizon:    time.Hour,
		Retention:         time.Hour,
		EngineSecret:      "test-secret",
	}
	ts := &testServer{locks: lock.NewMemManager(), events: &ingest.MemEvents{}}
	ts.eng = engine.New(engine.Deps{
		Config:      cfg,
		Store:       jobs.NewMemStore(),
		Locks:       ts.locks,
		Credentials: credentials.NewMemRepo(),
		Ledger:      backfill.NewMemLedger(),
		Events:      ts.events,
		Providers:   map[string]credentials.Provider{},
	})
	jwtSvc := auth.NewJWT(cfg.EngineSecret)
	tok, err := jwtSvc.Sign("test-cron", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ts.token = tok
	ts.h = NewRouter(cfg, ts.eng, jwtSvc, nil)
	return ts
}

func (ts *testServer) do(method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

const orderNote = `{"resource":"/orders/2000001","topic":"orders_v2","user_id":123456,"application_id":42,"attempts":1}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
	if rec := ts.do(http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/webhooks/meli", orderNote, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery = %d %s", rec.Code, rec.Body.String())
	}
	first := decode(t, rec)
	if first["created"] != true || first["event_type"] != "order.updated" {
		t.Fatalf("first delivery body = %v", first)
	}

	rec = ts.do(http.MethodPost, "/webhooks/meli", orderNote, "")
	again := decode(t, rec)
	if rec.Code != http.StatusOK || again["created"] != false || again["job_id"] != first["job_id"] {
		t.Fatalf("redelivery = %d %v", rec.Code, again)
	}

	for _, body := range []string{
		`not json`,
		`{"resource":"/orders/1","user_id":1}`,
		`{"resource":"/x/1","topic":"shipments_v9","user_id":1}`,
	} {
		if rec := ts.do(http.MethodPost, "/webhooks/meli", body, ""); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("POST %s = %d, want 422", body, rec.Code)
		}
	}
}

func TestTriggers_RequireToken(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/webhooks/meli", orderNote, "")

	for _, tok := range []string{"", "forged"} {
		if rec := ts.do(http.MethodPost, "/triggers/ingest/worker", "", tok); rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", tok, rec.Code)
		}
	}

	stats, err := ts.eng.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats[jobs.QueueIngest].Pending != 1 {
		t.Fatalf("ingest = %+v, want the job untouched", stats[jobs.QueueIngest])
	}
}

func TestTriggers_IngestWorker(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/webhooks/meli", orderNote, "")

	rec := ts.do(http.MethodPost, "/triggers/ingest/worker?token="+ts.token, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != engine.StatusOK || body["caller"] != "test-cron" {
		t.Fatalf("body = %v", body)
	}
	report := body["report"].(map[string]any)
	if report["succeeded"] != float64(1) {
		t.Fatalf("report = %v", report)
	}
	if n := len(ts.events.All()); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}

	rec = ts.do(http.MethodGet, "/triggers/stats", "", ts.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	queues := decode(t, rec)["queues"].(map[string]any)
	ingestCounts := queues[jobs.QueueIngest].(map[string]any)
	if ingestCounts["completed_recent"] != float64(1) || ingestCounts["pending"] != float64(0) {
		t.Fatalf("ingest counts = %v", ingestCounts)
	}
}

func TestTriggers_SkippedOnContention(t *testing.T) {
	ts := newTestServer(t)
	ok, err := ts.locks.Acquire(context.Background(), engine.KeyRefreshScan, "other-instance", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	rec := ts.do(http.MethodPost, "/triggers/refresh/scan", "", ts.token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != engine.StatusSkipped {
		t.Fatalf("body = %v, want skipped", body)
	}
	if _, ok := body["report"]; ok {
		t.Fatalf("skipped trigger carried a report: %v", body)
	}

	// other families are unaffected
	if rec := ts.do(http.MethodPost, "/triggers/refresh/urgent", "", ts.token); decode(t, rec)["status"] != engine.StatusOK {
		t.Fatalf("urgent scan = %s", rec.Body.String())
	}
}

func TestTriggers_AllRoutes(t *testing.T) {
	ts := newTestServer(t)
	routes := []string{
		"/triggers/refresh/scan",
		"/triggers/refresh/urgent",
		"/triggers/refresh/worker",
		"/triggers/backfill/scan",
		"/triggers/backfill/worker",
		"/triggers/ingest/worker",
		"/triggers/dead-letter",
		"/triggers/cleanup",
	}
	for _, route := range routes {
		rec := ts.do(http.MethodPost, route, "", ts.token)
		if rec.Code != http.StatusOK || decode(t, rec)["status"] != engine.StatusOK {
			t.Errorf("POST %s = %d %s", route, rec.Code, rec.Body.String())
		}
		// URL-only schedulers call with GET and the token in the query
		rec = ts.do(http.MethodGet, route+"?token="+ts.token, "", "")
		if rec.Code != http.StatusOK || decode(t, rec)["status"] != engine.StatusOK {
			t.Errorf("GET %s = %d %s", route, rec.Code, rec.Body.String())
		}
	}
}

func TestTriggers_QueryTokenAndMethods(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodGet, "/triggers/refresh/scan?token=forged", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET with forged token = %d, want 401", rec.Code)
	}
	if rec := ts.do(http.MethodDelete, "/triggers/refresh/scan?token="+ts.token, "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE = %d, want 405", rec.Code)
	}
}
