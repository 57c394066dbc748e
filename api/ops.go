package api

import (
	"net/http"

	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/topology"
)

type topologyResponse struct {
	Exchange string             `json:"exchange"`
	Channels []string           `json:"channels"`
	Queues   []*topology.Queue  `json:"queues"`
	Bindings []topology.Binding `json:"bindings"`
}

func (h *Handler) getTopology(w http.ResponseWriter, _ *http.Request) {
	if h.topo == nil {
		writeError(w, http.StatusNotFound, "no messaging topology configured")
		return
	}

	writeJSON(w, http.StatusOK, topologyResponse{
		Exchange: h.topo.Exchange,
		Channels: h.topo.Channels(),
		Queues:   h.topo.Queues(),
		Bindings: h.topo.Bindings(),
	})
}

type statsResponse struct {
	Inbox       map[inbox.Status]int64 `json:"inbox"`
	DLQSize     int64                  `json:"dlq_size"`
	SchemaTypes int                    `json:"schema_types"`
	Handlers    []string               `json:"handlers"`
}

var statsStatuses = []inbox.Status{
	inbox.StatusReceived,
	inbox.StatusProcessing,
	inbox.StatusCompleted,
	inbox.StatusRetryScheduled,
	inbox.StatusFailed,
	inbox.StatusSkipped,
	inbox.StatusDuplicateDetected,
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := make(map[inbox.Status]int64, len(statsStatuses))
	for _, st := range statsStatuses {
		n, err := h.store.CountInbox(ctx, st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[st] = n
	}

	dlqCount, err := h.dlqSvc.Count(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	types, err := h.schemas.ListTypes(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Inbox:       counts,
		DLQSize:     dlqCount,
		SchemaTypes: len(types),
		Handlers:    h.processor.Handlers().Types(),
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
