package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"subvalidator/internal/types"
)

// ValidatorClient calls the HTTP surface of a running validator. Responses
// are returned as raw JSON for the caller to print or decode.
type ValidatorClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewValidatorClient creates a client for the validator at baseURL
// (e.g. "http://localhost:8080").
func NewValidatorClient(base *BaseClient, baseURL string, apiKey types.SecretString) *ValidatorClient {
	return &ValidatorClient{
		base:    base,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type tenantBody struct {
	CompanyID int64 `json:"companyId"`
	BotID     int64 `json:"botId"`
}

// Validate calls POST validate-daily.
func (c *ValidatorClient) Validate(ctx context.Context, key types.TenantKey) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/validate-daily", tenantBody{CompanyID: key.CompanyID, BotID: key.BotID})
}

// ValidateBatch calls POST validate-batch.
func (c *ValidatorClient) ValidateBatch(ctx context.Context, keys []types.TenantKey) (json.RawMessage, error) {
	body := struct {
		Validations []tenantBody `json:"validations"`
	}{Validations: make([]tenantBody, len(keys))}
	for i, k := range keys {
		body.Validations[i] = tenantBody{CompanyID: k.CompanyID, BotID: k.BotID}
	}
	return c.do(ctx, http.MethodPost, "/validate-batch", body)
}

// Stats calls GET cache-stats.
func (c *ValidatorClient) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/cache-stats", nil)
}

// Clear calls POST clear-cache. A nil key clears everything.
func (c *ValidatorClient) Clear(ctx context.Context, key *types.TenantKey) (json.RawMessage, error) {
	if key == nil {
		return c.do(ctx, http.MethodPost, "/clear-cache", nil)
	}
	return c.do(ctx, http.MethodPost, "/clear-cache", tenantBody{CompanyID: key.CompanyID, BotID: key.BotID})
}

// Usage calls GET companies/{id}/usage.
func (c *ValidatorClient) Usage(ctx context.Context, companyID int64) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/companies/%d/usage", companyID), nil)
}

// apiPrefix is where the validator mounts its routes.
const apiPrefix = "/api/subscription"

func (c *ValidatorClient) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// decodeAPIError rebuilds the server's AppError from its error envelope.
func decodeAPIError(status int, raw []byte) error {
	var envelope struct {
		Error struct {
			Code    types.ErrorCode `json:"code"`
			Message string          `json:"message"`
			Details map[string]any  `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("validator returned %d", status), nil)
	}
	return types.NewAppErrorWithDetails(envelope.Error.Code, envelope.Error.Message, nil, envelope.Error.Details)
}
