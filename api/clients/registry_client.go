package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peerproof/referral-registry/api"
	"github.com/peerproof/referral-registry/interfaces"
)

// RequestIDHeader carries a per-request UUID for correlating client and server logs.
const RequestIDHeader = "X-Request-Id"

var codeErrors = map[string]error{
	"malformed_attestation":    interfaces.ErrMalformedAttestation,
	"unauthorized_attestation": interfaces.ErrUnauthorizedAttestation,
	"duplicate_record":         interfaces.ErrDuplicateRecord,
	"not_found":                interfaces.ErrNotFound,
	"already_revoked":          interfaces.ErrAlreadyRevoked,
	"unauthorized_rotation":    interfaces.ErrUnauthorizedRotation,
	"unauthorized_revocation":  interfaces.ErrUnauthorizedRevocation,
	"invalid_rotation":         interfaces.ErrInvalidRotation,
	"missing_issuer":           interfaces.ErrMissingIssuer,
}

// APIError is a non-2xx response from the registry.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the registry error matching the response code, if any.
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// RegistryClient talks to a registry server over HTTP.
type RegistryClient struct {
	// ServerAddr is the base URL of the registry server.
	ServerAddr string
	HTTPClient *http.Client
}

func NewRegistryClient(serverAddr string) *RegistryClient {
	return &RegistryClient{
		ServerAddr: strings.TrimSuffix(serverAddr, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RegistryClient) Submit(ctx context.Context, att interfaces.Attestation) (*api.RecordResponse, error) {
	var rec api.RecordResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/attestations", api.NewAttestationRequest(att), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubmitEnvelope posts a binary signed envelope.
func (c *RegistryClient) SubmitEnvelope(ctx context.Context, envelope []byte) (*api.RecordResponse, error) {
	var rec api.RecordResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/attestations", "application/octet-stream", bytes.NewReader(envelope), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *RegistryClient) Get(ctx context.Context, id interfaces.RecordID) (*api.RecordResponse, error) {
	var rec api.RecordResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/records/"+id.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByReferrer fetches one page. Pass the previous page's Next as cursor
// to continue; limit 0 uses the server default.
func (c *RegistryClient) ListByReferrer(ctx context.Context, referrer interfaces.Address, cursor string, limit int) (*api.RecordPage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/referrers/" + referrer.String() + "/records"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var page api.RecordPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RegistryClient) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	var resp api.AuditResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/records/"+id.String()+"/audit", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *RegistryClient) Revoke(ctx context.Context, id interfaces.RecordID, req api.RevokeRequest) (*api.RecordResponse, error) {
	var rec api.RecordResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/records/"+id.String()+"/revoke", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *RegistryClient) Issuer(ctx context.Context) (*api.IssuerResponse, error) {
	var resp api.IssuerResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/issuer", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RegistryClient) Rotate(ctx context.Context, req api.RotateRequest) (*api.IssuerResponse, error) {
	var resp api.IssuerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/issuer/rotate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RegistryClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.do(ctx, method, path, "", nil, out)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(body), out)
}

func (c *RegistryClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if raw, readErr := io.ReadAll(resp.Body); readErr == nil {
			if json.Unmarshal(raw, &errResp) == nil {
				apiErr.Code, apiErr.Message = errResp.Code, errResp.Error
			} else {
				apiErr.Message = strings.TrimSpace(string(raw))
			}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse registry response: %w", err)
	}
	return nil
}

var _ api.RegistryAPI = (*RegistryClient)(nil)
