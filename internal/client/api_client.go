// Package client provides the HTTP client offline-capable applications use
// to talk to the coordinator. It implements the sync queue's replay target,
// so a queue drain and a direct call go through the same code path.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/model"
	"go.uber.org/zap"
)

// APIClient is an HTTP client for the coordinator API.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client. The token is sent as a bearer
// credential on every request.
func NewAPIClient(baseURL, token string, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// AllocateSequence reserves the next number from a tenant counter. The
// idempotency key lets the client retry the request after a network
// failure without burning a second number.
func (c *APIClient) AllocateSequence(ctx context.Context, tenantID string, key model.CounterKey, idempotencyKey string) (int64, error) {
	body := map[string]any{
		"scope":    key.Scope,
		"parentId": key.ParentID,
		"name":     key.Name,
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var resp struct {
		SequenceNumber int64 `json:"sequenceNumber"`
	}
	path := fmt.Sprintf("/v1/tenants/%s/sequences", tenantID)
	if err := c.do(ctx, http.MethodPost, path, body, headers, &resp); err != nil {
		return 0, err
	}
	return resp.SequenceNumber, nil
}

// CreateRecord creates a record in a tenant collection.
func (c *APIClient) CreateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error {
	path := fmt.Sprintf("/v1/tenants/%s/records/%s/%s", tenantID, collection, recordID)
	return c.do(ctx, http.MethodPut, path, fields, nil, nil)
}

// UpdateRecord merges fields into an existing record.
func (c *APIClient) UpdateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error {
	path := fmt.Sprintf("/v1/tenants/%s/records/%s/%s", tenantID, collection, recordID)
	return c.do(ctx, http.MethodPatch, path, fields, nil, nil)
}

// DeleteRecord deletes a record.
func (c *APIClient) DeleteRecord(ctx context.Context, tenantID, collection, recordID string) error {
	path := fmt.Sprintf("/v1/tenants/%s/records/%s/%s", tenantID, collection, recordID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.responseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// responseError maps an API error payload back onto the client-side error
// taxonomy so callers can distinguish retryable failures from permanent
// rejections.
func (c *APIClient) responseError(resp *http.Response) error {
	var payload apperrors.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, &payload); err != nil || payload.ErrorCode == "" {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	c.logger.Debug("API error response",
		zap.Int("status", resp.StatusCode),
		zap.String("code", string(payload.ErrorCode)),
		zap.String("message", payload.Message))

	switch payload.ErrorCode {
	case apperrors.ErrorCodeTransientConflict:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrTransientConflict)
	case apperrors.ErrorCodeUnauthorized:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrUnauthenticated)
	case apperrors.ErrorCodeForbidden:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrPermissionDenied)
	case apperrors.ErrorCodeInvalidRequest:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrInvalidArgument)
	case apperrors.ErrorCodeMigrationPrecondition:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrMigrationPrecondition)
	case apperrors.ErrorCodeWriteBlocked:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrWriteBlocked)
	case apperrors.ErrorCodeNotFound:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrNotFound)
	case apperrors.ErrorCodeAlreadyExists:
		return fmt.Errorf("%s: %w", payload.Message, apperrors.ErrAlreadyExists)
	default:
		return fmt.Errorf("server error: %s", payload.Message)
	}
}
