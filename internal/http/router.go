package http

import (
	"net/http"

	"smartseller/internal/auth"
	"smartseller/internal/config"
	"smartseller/internal/engine"
	"smartseller/internal/http/handler"
	mw "smartseller/internal/http/middleware"
	"smartseller/internal/jobs"
	"smartseller/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(cfg config.Config, eng *engine.Engine, jwtSvc *auth.JWT, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.EchoRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.CORS(cfg))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	wh := &handler.WebhookHandler{Ingest: eng.Ingest, Log: log}
	r.Post("/webhooks/meli", wh.Meli)

	th := &handler.TriggerHandler{Engine: eng}
	r.Route("/triggers", func(r chi.Router) {
		r.Use(auth.RequireTrigger(jwtSvc))

		// GET serves schedulers that can only hit a URL with ?token=
		trigger := func(pattern string, h http.HandlerFunc) {
			r.Get(pattern, h)
			r.Post(pattern, h)
		}

		trigger("/refresh/scan", th.RefreshScan)
		trigger("/refresh/urgent", th.RefreshUrgent)
		trigger("/refresh/worker", th.Worker(jobs.QueueRefresh))

		trigger("/backfill/scan", th.BackfillScan)
		trigger("/backfill/worker", th.Worker(jobs.QueueBackfill))

		trigger("/ingest/worker", th.Worker(jobs.QueueIngest))

		trigger("/dead-letter", th.DeadLetter)
		trigger("/cleanup", th.Cleanup)
		r.Get("/stats", th.Stats)
	})

	return r
}
