package handler

import (
	"context"
	"net/http"

	"smartseller/internal/auth"
	"smartseller/internal/engine"
	"smartseller/internal/jobs"
)

type TriggerHandler struct {
	Engine *engine.Engine
}

type triggerResp struct {
	engine.Result
	Caller string `json:"caller,omitempty"`
}

func (h *TriggerHandler) run(w http.ResponseWriter, r *http.Request, fn func(context.Context) (engine.Result, error)) {
	res, err := fn(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	writeJSON(w, http.StatusOK, triggerResp{Result: res, Caller: caller})
}

func (h *TriggerHandler) RefreshScan(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.Engine.ScanRefresh)
}

func (h *TriggerHandler) RefreshUrgent(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.Engine.ScanUrgent)
}

func (h *TriggerHandler) BackfillScan(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.Engine.ScanBackfill)
}

// Worker returns a handler running one batch of queue.
func (h *TriggerHandler) Worker(queue string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.run(w, r, func(ctx context.Context) (engine.Result, error) {
			return h.Engine.RunWorker(ctx, queue)
		})
	}
}

func (h *TriggerHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.Engine.ProcessDeadLetters)
}

func (h *TriggerHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.Engine.Cleanup)
}

func (h *TriggerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]jobs.Counts{"queues": stats})
}
