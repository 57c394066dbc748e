package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
)

// ingest runs an envelope through the inbox processor. Handler failures
// are outcomes and answer 200.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := envelope.Parse(body)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	res, err := h.processor.Process(r.Context(), env)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error) {
	var structural *envelope.StructuralError
	switch {
	case errors.As(err, &structural):
		writeJSON(w, http.StatusBadRequest, violationsResponse{Error: err.Error(), Violations: structural.Fields})
	case errors.Is(err, envelope.ErrStructural):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schema.ErrSchemaValidation):
		h.writeSchemaError(w, err)
	case errors.Is(err, schema.ErrSchemaNotFound):
		// Only reachable when schemas are required.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) listInbox(w http.ResponseWriter, r *http.Request) {
	opts := inbox.ListOpts{
		Offset:    queryInt(r, "offset", 0),
		Limit:     queryInt(r, "limit", 50),
		Status:    inbox.Status(queryParam(r, "status")),
		EventType: queryParam(r, "event_type"),
	}

	events, err := h.store.ListInbox(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*inbox.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getInboxEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.store.GetInboxEvent(r.Context(), r.PathValue("eventId"))
	if err != nil {
		storeError(w, err, "inbox event not found")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) retryInboxEvent(w http.ResponseWriter, r *http.Request) {
	res, err := h.processor.Retry(r.Context(), r.PathValue("eventId"))
	if err != nil {
		if errors.Is(err, inbox.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "inbox event is not retryable")
			return
		}
		storeError(w, err, "inbox event not found")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
