package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/schema"
)

func (h *Handler) registerSchema(w http.ResponseWriter, r *http.Request) {
	var in schema.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.schemas.Register(r.Context(), in)
	if err != nil {
		h.writeSchemaError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) listSchemas(w http.ResponseWriter, r *http.Request) {
	opts := schema.ListOpts{
		Offset:            queryInt(r, "offset", 0),
		Limit:             queryInt(r, "limit", 50),
		EventType:         queryParam(r, "event_type"),
		IncludeDeprecated: queryParam(r, "include_deprecated") == "true",
	}

	list, err := h.schemas.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*schema.Schema{}
	}

	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) listSchemaTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.schemas.ListTypes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	schemaID, err := id.ParseSchemaID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema ID")
		return
	}

	s, err := h.schemas.Get(r.Context(), schemaID)
	if err != nil {
		storeError(w, err, "schema not found")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) getActiveSchema(w http.ResponseWriter, r *http.Request) {
	s, err := h.schemas.GetActive(r.Context(), r.PathValue("eventType"))
	if err != nil {
		storeError(w, err, "no active schema")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) activateSchema(w http.ResponseWriter, r *http.Request) {
	schemaID, err := id.ParseSchemaID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema ID")
		return
	}

	s, err := h.schemas.Activate(r.Context(), schemaID)
	if err != nil {
		if errors.Is(err, schema.ErrSchemaDeprecated) {
			writeError(w, http.StatusConflict, "schema version is deprecated")
			return
		}
		storeError(w, err, "schema not found")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

type deprecateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) deprecateSchema(w http.ResponseWriter, r *http.Request) {
	schemaID, err := id.ParseSchemaID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema ID")
		return
	}

	var req deprecateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	s, err := h.schemas.Deprecate(r.Context(), schemaID, req.Reason)
	if err != nil {
		storeError(w, err, "schema not found")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) checkCompatibility(w http.ResponseWriter, r *http.Request) {
	var in schema.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.schemas.CheckCompatibility(r.Context(), in); err != nil {
		h.writeSchemaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"compatible": true})
}

type validateRequest struct {
	EventType string          `json:"eventType"`
	Version   string          `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handler) validatePayload(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "eventType and payload are required")
		return
	}

	if err := h.schemas.Validate(r.Context(), req.EventType, req.Version, req.Payload); err != nil {
		h.writeSchemaError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// writeSchemaError maps registry errors to status codes.
func (h *Handler) writeSchemaError(w http.ResponseWriter, err error) {
	var (
		incompatible *schema.IncompatibleError
		invalid      *schema.ValidationError
	)
	switch {
	case errors.As(err, &incompatible):
		writeJSON(w, http.StatusUnprocessableEntity, violationsResponse{Error: err.Error(), Violations: incompatible.Violations})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, violationsResponse{Error: err.Error(), Violations: invalid.Violations})
	case errors.Is(err, schema.ErrInvalidSchema):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schema.ErrDuplicateVersion):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schema.ErrSchemaNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
