package dataservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feedsync/client/internal/models"
)

// HTTPClient implements Query and Mutator against the platform REST
// API. The actor id travels as a header; authentication proper is the
// platform's concern.
type HTTPClient struct {
	baseURL string
	actorID string
	http    *http.Client
}

// NewHTTPClient creates a client for baseURL (e.g. http://localhost:5000).
func NewHTTPClient(baseURL, actorID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		actorID: actorID,
		http:    &http.Client{Timeout: timeout},
	}
}

// postJSON sends body to path and decodes the response into out.
// Non-2xx responses are decoded from the API error envelope into a
// typed Error; network failures surface as transient.
func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(KindInvalid, "encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return NewError(KindInvalid, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", c.actorID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dataservice: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr models.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Kind != "" {
			return &Error{Kind: ErrorKind(apiErr.Kind), Message: apiErr.Message}
		}
		if resp.StatusCode >= 500 {
			return NewError(KindTransient, "%s returned %d", path, resp.StatusCode)
		}
		return NewError(KindInvalid, "%s returned %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindTransient, "decode response: %v", err)
	}
	return nil
}

// Select implements Query.
func (c *HTTPClient) Select(ctx context.Context, req models.SelectRequest) (models.SelectResponse, error) {
	var resp models.SelectResponse
	if err := c.postJSON(ctx, "/api/select", req, &resp); err != nil {
		return models.SelectResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) mutate(ctx context.Context, op, table string, row any, conflictKey string) (json.RawMessage, error) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, NewError(KindInvalid, "encode row: %v", err)
	}
	var resp models.MutateResponse
	err = c.postJSON(ctx, "/api/mutate", models.MutateRequest{
		Op:          op,
		Table:       table,
		Row:         encoded,
		ConflictKey: conflictKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Row, nil
}

// Insert implements Mutator.
func (c *HTTPClient) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	return c.mutate(ctx, models.OpInsert, table, row, "")
}

// Update implements Mutator.
func (c *HTTPClient) Update(ctx context.Context, table string, row any) (json.RawMessage, error) {
	return c.mutate(ctx, models.OpUpdate, table, row, "")
}

// Delete implements Mutator.
func (c *HTTPClient) Delete(ctx context.Context, table string, row any) error {
	_, err := c.mutate(ctx, models.OpDelete, table, row, "")
	return err
}

// Upsert implements Mutator.
func (c *HTTPClient) Upsert(ctx context.Context, table string, row any, conflictKey string) (json.RawMessage, error) {
	return c.mutate(ctx, models.OpUpsert, table, row, conflictKey)
}
