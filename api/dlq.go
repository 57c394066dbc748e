package api

import (
	"net/http"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
)

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'from' time format (use RFC3339)")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'to' time format (use RFC3339)")
		return
	}

	opts := dlq.ListOpts{
		Offset:    queryInt(r, "offset", 0),
		Limit:     queryInt(r, "limit", 50),
		EventType: queryParam(r, "event_type"),
		From:      from,
		To:        to,
	}

	entries, err := h.dlqSvc.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ ID")
		return
	}

	entry, err := h.dlqSvc.Get(r.Context(), dlqID)
	if err != nil {
		storeError(w, err, "DLQ entry not found")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ ID")
		return
	}

	res, err := h.dlqSvc.Replay(r.Context(), dlqID)
	if err != nil {
		storeError(w, err, "DLQ entry not found")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "before")
	if err != nil || before == nil {
		writeError(w, http.StatusBadRequest, "'before' is required (use RFC3339)")
		return
	}

	n, err := h.dlqSvc.Purge(r.Context(), *before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
