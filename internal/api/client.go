// Package api implements the REST client for the inventory server, the only
// network boundary the sync engine talks to.
//
// The server contract this client relies on:
//   - paginated list endpoints per collection, called until page > total_pages;
//   - create/update endpoints that accept a client-supplied Idempotency-Key
//     header and are safe to retry: re-submitting a committed key returns the
//     previously committed result instead of duplicating or erroring;
//   - create/update responses carry the authoritative post-write entity,
//     including its updated_at, so the store can be refreshed without a
//     follow-up read;
//   - 409 signals a version mismatch; 202 means accepted pending approval,
//     which the sync engine treats the same as committed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// MaxPageSize is the server-side cap on list page sizes.
const MaxPageSize = 100

// ErrUnavailable wraps transport failures and 5xx responses. Entries that
// fail with it are retryable once connectivity returns.
var ErrUnavailable = errors.New("server unavailable")

// ConflictError is returned when the server rejects an update because the
// entity's version has moved past the client's baseline.
type ConflictError struct {
	// Server is the server's current record, when the 409 body carried one.
	// May be nil; callers then fetch the record themselves.
	Server entity.Record
}

func (e *ConflictError) Error() string {
	return "version conflict"
}

// Page is one page of a collection listing.
type Page struct {
	Items      []entity.Record `json:"items"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
}

// Client talks to the inventory server's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL. An empty token disables the
// Authorization header (useful against test servers).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a client with a caller-provided http.Client.
func NewWithHTTPClient(baseURL, token string, hc *http.Client) *Client {
	c := New(baseURL, token)
	if hc != nil {
		c.http = hc
	}
	return c
}

// Ping checks server reachability. Used by the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// ListPage fetches one page of a collection. Limit is capped at MaxPageSize
// by the server; callers iterate until page > TotalPages.
func (c *Client) ListPage(ctx context.Context, workspaceID string, kind entity.Kind, page, limit int) (*Page, error) {
	path := fmt.Sprintf("/workspaces/%s/%s?page=%d&limit=%d",
		url.PathEscape(workspaceID), kind, page, limit)

	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: list %s returned %d", ErrUnavailable, kind, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s page %d returned %d", kind, page, resp.StatusCode)
	}

	var p Page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode %s page %d: %w", kind, page, err)
	}
	return &p, nil
}

// Get fetches a single entity's current server record.
func (c *Client) Get(ctx context.Context, workspaceID string, kind entity.Kind, entityID string) (entity.Record, error) {
	path := fmt.Sprintf("/workspaces/%s/%s/%s",
		url.PathEscape(workspaceID), kind, url.PathEscape(entityID))

	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: get %s/%s returned %d", ErrUnavailable, kind, entityID, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s/%s returned %d", kind, entityID, resp.StatusCode)
	}

	return decodeRecord(resp.Body, kind)
}

// Create submits a new entity. The idempotency key makes retries safe:
// re-submitting a committed key returns the original record.
func (c *Client) Create(ctx context.Context, workspaceID string, kind entity.Kind, idemKey string, payload map[string]any) (entity.Record, error) {
	path := fmt.Sprintf("/workspaces/%s/%s", url.PathEscape(workspaceID), kind)
	return c.submit(ctx, http.MethodPost, path, kind, idemKey, payload)
}

// Update submits a partial update to an existing entity.
func (c *Client) Update(ctx context.Context, workspaceID string, kind entity.Kind, entityID, idemKey string, payload map[string]any) (entity.Record, error) {
	path := fmt.Sprintf("/workspaces/%s/%s/%s",
		url.PathEscape(workspaceID), kind, url.PathEscape(entityID))
	return c.submit(ctx, http.MethodPatch, path, kind, idemKey, payload)
}

// submit sends a mutation and interprets the response per the server
// contract: 200/201 committed, 202 accepted-pending-approval (treated as
// committed), 409 version conflict, 5xx/transport transient.
func (c *Client) submit(ctx context.Context, method, path string, kind entity.Kind, idemKey string, payload map[string]any) (entity.Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body), idemKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusAccepted:
		return decodeRecord(resp.Body, kind)

	case resp.StatusCode == http.StatusConflict:
		// The 409 body may carry the server's current record, either bare
		// or under a "current" envelope.
		return nil, decodeConflict(resp.Body)

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, kind, resp.StatusCode)

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s returned %d: %s", method, kind, resp.StatusCode, bytes.TrimSpace(msg))
	}
}

func decodeRecord(r io.Reader, kind entity.Kind) (entity.Record, error) {
	var rec entity.Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", kind, err)
	}
	if rec.ID() == "" {
		return nil, fmt.Errorf("%s response record has no id", kind)
	}
	return rec, nil
}

func decodeConflict(r io.Reader) error {
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return &ConflictError{}
	}

	var envelope struct {
		Current entity.Record `json:"current"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Current.ID() != "" {
		return &ConflictError{Server: envelope.Current}
	}

	var rec entity.Record
	if err := json.Unmarshal(body, &rec); err == nil && rec.ID() != "" {
		return &ConflictError{Server: rec}
	}

	return &ConflictError{}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, idemKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// IsTransient reports whether an error came from the network or a 5xx
// response, meaning the mutation may be retried safely.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
