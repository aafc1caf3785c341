// Package tissclient is a small HTTP client for the TISS import API: upload a
// return file, then poll its import until reconciliation finishes.
package tissclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTenant sets the X-Tenant-ID header sent with every request.
func WithTenant(tenantID string) Option {
	return func(c *Client) { c.tenant = tenantID }
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	tenant     string
}

// New creates a client for the API rooted at baseURL, e.g.
// "https://tiss.example.com/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tiss api: %d %s", e.Code, e.Message)
}

// Transient reports whether retrying the request may succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Summary struct {
	GuidesInFile int            `json:"guides_in_file"`
	Excluded     int            `json:"excluded"`
	Matched      int            `json:"matched"`
	Processed    int            `json:"processed"`
	Errors       int            `json:"errors"`
	ByCategory   map[string]int `json:"by_category"`
}

type Import struct {
	ID             string   `json:"id"`
	LotID          string   `json:"lot_id"`
	FileName       string   `json:"file_name"`
	Status         string   `json:"status"`
	FailureMessage string   `json:"failure_message,omitempty"`
	Summary        *Summary `json:"summary,omitempty"`
}

type Report struct {
	Total        int            `json:"total"`
	Pending      int            `json:"pending"`
	ByCategory   map[string]int `json:"by_category"`
	ByResolution map[string]int `json:"by_resolution"`
}

// ImportResult is the last known state of an import. StillProcessing is set
// when polling gave up before the import finished.
type ImportResult struct {
	Import          Import  `json:"import"`
	Report          *Report `json:"report,omitempty"`
	Done            bool    `json:"-"`
	StillProcessing bool    `json:"-"`
}

func (c *Client) do(req *http.Request, out interface{}) (int, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// UploadReturn stages a return file for a lot and returns the import id.
func (c *Client) UploadReturn(ctx context.Context, lotID, fileName string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("read return file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tiss/lots/"+lotID+"/returns", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		ImportID string `json:"import_id"`
	}
	if _, err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.ImportID, nil
}

// GetImport fetches the current state of an import.
func (c *Client) GetImport(ctx context.Context, id string) (*ImportResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tiss/imports/"+id, nil)
	if err != nil {
		return nil, err
	}
	var res ImportResult
	code, err := c.do(req, &res)
	if err != nil {
		return nil, err
	}
	res.Done = code == http.StatusOK
	return &res, nil
}

// PollOptions bounds WaitForImport.
type PollOptions struct {
	Interval               time.Duration
	MaxDuration            time.Duration
	MaxConsecutiveFailures int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 10 * time.Minute
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	return o
}

// WaitForImport polls an import until it finishes. Up to
// MaxConsecutiveFailures transient errors in a row are retried. When
// MaxDuration passes first, the last known state is returned with
// StillProcessing set and a nil error; the server keeps processing.
func (c *Client) WaitForImport(ctx context.Context, id string, opts PollOptions) (*ImportResult, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.MaxDuration)
	last := &ImportResult{Import: Import{ID: id}}
	failures := 0

	for {
		res, err := c.GetImport(ctx, id)
		switch {
		case err == nil:
			failures = 0
			last = res
			if res.Done {
				return res, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return nil, err
			}
			failures++
			if failures > opts.MaxConsecutiveFailures {
				return last, fmt.Errorf("polling import %s: %d consecutive failures: %w", id, failures, err)
			}
		}

		wait := opts.Interval
		if remaining := time.Until(deadline); remaining <= 0 {
			last.StillProcessing = true
			return last, nil
		} else if remaining < wait {
			wait = remaining
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return last, ctx.Err()
		case <-t.C:
		}
	}
}
