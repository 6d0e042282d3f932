// Package client is a Go client for the factstore HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/factstore/internal/types"
	"github.com/hyperengineering/factstore/internal/validation"
)

// APIError is a non-2xx response decoded from its RFC 7807 body.
type APIError struct {
	Status int                          `json:"status"`
	Title  string                       `json:"title"`
	Detail string                       `json:"detail"`
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("factstore: %d %s", e.Status, e.Title)
	}
	return fmt.Sprintf("factstore: %d %s: %s", e.Status, e.Title, e.Detail)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one factstore server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks connectivity. It needs no API key.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the stored facts of the fact-set's subject.
func (c *Client) Update(ctx context.Context, facts *types.FactSet) (*types.UpdateResult, error) {
	var out types.UpdateResult
	if err := c.call(ctx, http.MethodPut, "/api/v1/subjects", facts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Diff reports the row changes Update would apply without writing them.
func (c *Client) Diff(ctx context.Context, facts *types.FactSet) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodPost, "/api/v1/subjects/diff", facts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Facts returns the stored facts of subject.
func (c *Client) Facts(ctx context.Context, subject types.Subject) (*types.FactSet, error) {
	q := url.Values{}
	q.Set("title", subject.Title)
	q.Set("namespace", strconv.Itoa(subject.Namespace))
	if subject.Interwiki != "" {
		q.Set("interwiki", subject.Interwiki)
	}
	var out types.FactSet
	if err := c.call(ctx, http.MethodGet, "/api/v1/subjects?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes every fact of subject.
func (c *Client) Delete(ctx context.Context, subject types.Subject) error {
	return c.call(ctx, http.MethodPost, "/api/v1/subjects/delete", types.DeleteSubjectRequest{Subject: subject}, nil)
}

// Entity describes identifier id.
func (c *Client) Entity(ctx context.Context, id int64) (*types.EntityResponse, error) {
	var out types.EntityResponse
	if err := c.call(ctx, http.MethodGet, entityPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// References reports the first place identifier id is still used.
func (c *Client) References(ctx context.Context, id int64) (*types.ReferenceResponse, error) {
	var out types.ReferenceResponse
	if err := c.call(ctx, http.MethodGet, entityPath(id, "/references"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dispose purges identifier id unless it is still referenced.
func (c *Client) Dispose(ctx context.Context, id int64) (*types.DisposeResponse, error) {
	var out types.DisposeResponse
	if err := c.call(ctx, http.MethodPost, entityPath(id, "/dispose"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Purge removes identifier id and every row referring to it.
func (c *Client) Purge(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPost, entityPath(id, "/purge"), nil, nil)
}

// Redirect points source at target. A nil target removes the redirect.
func (c *Client) Redirect(ctx context.Context, source types.Subject, target *types.Subject) (int64, error) {
	var out types.RedirectResponse
	req := types.RedirectRequest{Source: source, Target: target}
	if err := c.call(ctx, http.MethodPut, "/api/v1/redirects", req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Move transfers the identity of a page to another title.
func (c *Client) Move(ctx context.Context, req types.MoveRequest) error {
	return c.call(ctx, http.MethodPost, "/api/v1/moves", req, nil)
}

// Stats returns property usage counters, recounted when verify is set.
func (c *Client) Stats(ctx context.Context, verify bool) ([]types.PropertyUsage, error) {
	path := "/api/v1/stats"
	if verify {
		path += "?verify=true"
	}
	var out []types.PropertyUsage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Jobs lists up to limit queued update jobs.
func (c *Client) Jobs(ctx context.Context, limit int) ([]types.UpdateJob, error) {
	var out []types.UpdateJob
	if err := c.call(ctx, http.MethodGet, "/api/v1/jobs?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TakeJobs removes and returns up to limit queued update jobs.
func (c *Client) TakeJobs(ctx context.Context, limit int) ([]types.UpdateJob, error) {
	var out []types.UpdateJob
	if err := c.call(ctx, http.MethodPost, "/api/v1/jobs/take?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearJobs drops every queued update job.
func (c *Client) ClearJobs(ctx context.Context) (int64, error) {
	var out types.ClearJobsResponse
	if err := c.call(ctx, http.MethodDelete, "/api/v1/jobs", nil, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

// DisposeMarked runs one disposal window over identifiers after afterID.
func (c *Client) DisposeMarked(ctx context.Context, afterID int64, limit int) (*types.DisposalPassResponse, error) {
	path := fmt.Sprintf("/api/v1/disposals?after_id=%d&limit=%d", afterID, limit)
	var out types.DisposalPassResponse
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadSnapshot copies the current database snapshot to w. Redirects to
// object storage are followed; the API key is not forwarded to other hosts.
func (c *Client) DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/snapshot", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

func entityPath(id int64, suffix string) string {
	return "/api/v1/entities/" + strconv.FormatInt(id, 10) + suffix
}

// call sends body as JSON and decodes the response into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// do sends an authenticated request.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
