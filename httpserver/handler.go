package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/peerproof/referral-registry/api"
	"github.com/peerproof/referral-registry/gateway"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/notify"
)

const (
	// EnvelopeContentType marks a request body holding a binary signed envelope.
	EnvelopeContentType = "application/octet-stream"

	// maxBodySize is the maximum allowed request body size (64KB).
	maxBodySize = 64 * 1024
)

// RequestError pairs an error with the HTTP status and error code it maps to.
type RequestError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(err error) *RequestError {
	return &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err}
}

var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{interfaces.ErrMalformedAttestation, http.StatusBadRequest, "malformed_attestation"},
	{interfaces.ErrUnauthorizedAttestation, http.StatusUnauthorized, "unauthorized_attestation"},
	{interfaces.ErrDuplicateRecord, http.StatusConflict, "duplicate_record"},
	{interfaces.ErrNotFound, http.StatusNotFound, "not_found"},
	{interfaces.ErrAlreadyRevoked, http.StatusConflict, "already_revoked"},
	{interfaces.ErrUnauthorizedRotation, http.StatusForbidden, "unauthorized_rotation"},
	{interfaces.ErrUnauthorizedRevocation, http.StatusForbidden, "unauthorized_revocation"},
	{interfaces.ErrInvalidRotation, http.StatusUnprocessableEntity, "invalid_rotation"},
	{interfaces.ErrMissingIssuer, http.StatusBadRequest, "missing_issuer"},
}

// toRequestError maps registry errors to statuses. Unknown errors are internal.
func toRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return &RequestError{StatusCode: m.status, Code: m.code, Err: err}
		}
	}
	return &RequestError{StatusCode: http.StatusInternalServerError, Code: "internal", Err: errors.New("internal server error")}
}

// Handler serves the registry HTTP API on top of a gateway.
type Handler struct {
	gateway *gateway.Gateway
	hub     *notify.Hub
	log     *slog.Logger
}

// NewHandler creates the API handler. hub may be nil, in which case the
// event stream endpoint is not served.
func NewHandler(gw *gateway.Gateway, hub *notify.Hub, log *slog.Logger) *Handler {
	return &Handler{
		gateway: gw,
		hub:     hub,
		log:     log,
	}
}

// HandleSubmitAttestation records a signed attestation.
//
// URL format: POST /api/v1/attestations
//
// The body is either an AttestationRequest JSON document or, with
// Content-Type application/octet-stream, a binary signed envelope.
// Responds 201 with the record, 400 for malformed input, 401 for an
// unauthorized signature and 409 for a duplicate.
func (h *Handler) HandleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	var rec interfaces.RegistryRecord
	if isEnvelope(r) {
		rec, err = h.gateway.SubmitEnvelope(r.Context(), body)
	} else {
		var att interfaces.Attestation
		att, err = decodeAttestation(body)
		if err == nil {
			rec, err = h.gateway.Submit(r.Context(), att)
		}
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/records/"+rec.ID.String())
	h.writeJSON(w, http.StatusCreated, api.NewRecordResponse(rec))
}

func decodeAttestation(body []byte) (interfaces.Attestation, error) {
	if err := validateBody(attestationSchema, body); err != nil {
		return interfaces.Attestation{}, fmt.Errorf("%w: %v", interfaces.ErrMalformedAttestation, err)
	}
	var req api.AttestationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return interfaces.Attestation{}, fmt.Errorf("%w: %v", interfaces.ErrMalformedAttestation, err)
	}
	return req.Attestation()
}

// HandleGetRecord returns a record by ID.
//
// URL format: GET /api/v1/records/{id}
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewRecordIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	rec, err := h.gateway.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewRecordResponse(rec))
}

// HandleListByReferrer returns a page of a referrer's records in recording order.
//
// URL format: GET /api/v1/referrers/{address}/records?cursor=<cursor>&limit=<n>
func (h *Handler) HandleListByReferrer(w http.ResponseWriter, r *http.Request) {
	referrer, err := interfaces.NewAddressFromHex(chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	query := r.URL.Query()
	cursor, err := interfaces.ParseCursor(query.Get("cursor"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	page := interfaces.Page{After: cursor}
	if raw := query.Get("limit"); raw != "" {
		page.Limit, err = strconv.Atoi(raw)
		if err != nil || page.Limit < 0 {
			h.writeError(w, badRequest(fmt.Errorf("invalid limit %q", raw)))
			return
		}
	}

	result, err := h.gateway.ListByReferrer(r.Context(), referrer, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewRecordPage(result))
}

// HandleAuditLog returns the audit trail of a record.
//
// URL format: GET /api/v1/records/{id}/audit
func (h *Handler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewRecordIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	entries, err := h.gateway.AuditLog(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []interfaces.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, api.AuditResponse{Entries: entries})
}

// HandleRevoke revokes a record. The signer of the request must be the
// current issuer or the admin.
//
// URL format: POST /api/v1/records/{id}/revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewRecordIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	var req api.RevokeRequest
	if err := decodeValidated(w, r, revokeSchema, &req); err != nil {
		h.writeError(w, err)
		return
	}

	rec, err := h.gateway.RevokeSigned(r.Context(), id, req.Reason, req.Signature)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewRecordResponse(rec))
}

// HandleIssuer describes the current issuer and its predecessors.
//
// URL format: GET /api/v1/issuer
func (h *Handler) HandleIssuer(w http.ResponseWriter, r *http.Request) {
	authority := h.gateway.Authority()
	history := authority.History()
	if history == nil {
		history = []interfaces.Grant{}
	}
	h.writeJSON(w, http.StatusOK, api.IssuerResponse{
		Deployment: h.gateway.Deployment(),
		Epoch:      authority.Epoch(),
		Current:    authority.Current(),
		History:    history,
	})
}

// HandleRotate rotates the issuer. The signer of the request must be the
// current issuer or the admin, and the signature must name the deployment,
// epoch and current issuer returned by GET /api/v1/issuer.
//
// URL format: POST /api/v1/issuer/rotate
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req api.RotateRequest
	if err := decodeValidated(w, r, rotateSchema, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.gateway.RotateSigned(req.NewIssuer, req.EffectiveTime(), req.Epoch, req.Signature); err != nil {
		h.writeError(w, err)
		return
	}
	h.HandleIssuer(w, r)
}

// HandleEvents upgrades to a websocket streaming registry events.
//
// URL format: GET /api/v1/events/ws
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Code: "not_found", Err: errors.New("event stream disabled")})
		return
	}
	h.hub.ServeWS(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	reqErr := toRequestError(err)
	if reqErr.StatusCode >= http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	} else {
		h.log.Debug("request rejected", "err", err, "status", reqErr.StatusCode)
	}
	h.writeJSON(w, reqErr.StatusCode, api.ErrorResponse{Error: reqErr.Error(), Code: reqErr.Code})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	return body, nil
}

// decodeValidated reads a JSON body, checks it against schema and decodes it into v.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return badRequest(err)
	}
	if err := validateBody(schema, body); err != nil {
		return badRequest(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest(fmt.Errorf("invalid JSON body: %w", err))
	}
	return nil
}

func isEnvelope(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == EnvelopeContentType
}
