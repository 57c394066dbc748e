// Package admissions is the HTTP client for the application-owning
// service. It implements saga.Applications.
package admissions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/backbone/saga"
)

const maxErrorBody = 1024 // 1KB cap on error body capture

// DefaultTimeout is the per-request timeout when none is configured.
const DefaultTimeout = 10 * time.Second

// Config configures the client.
type Config struct {
	// BaseURL is the service root, e.g. "http://admissions:8080/api".
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the transport. Its own timeout is left untouched.
	HTTPClient *http.Client
}

// StatusError is returned for any unexpected response status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admissions: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the admissions service.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	client  *http.Client
}

var _ saga.Applications = (*Client)(nil)

// NewClient creates an admissions client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("admissions: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("admissions: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("admissions: unsupported scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:    base,
		token:   cfg.Token,
		timeout: timeout,
		client:  hc,
	}, nil
}

// Snapshot loads the aggregate view the saga decides on.
func (c *Client) Snapshot(ctx context.Context, applicationID string) (*saga.Snapshot, error) {
	var snap saga.Snapshot
	if _, err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(applicationID)+"/snapshot", nil, &snap, http.StatusOK); err != nil {
		return nil, err
	}
	if snap.ApplicationID == "" {
		snap.ApplicationID = applicationID
	}
	return &snap, nil
}

// UpdateStatus sets the application status.
func (c *Client) UpdateStatus(ctx context.Context, applicationID string, status saga.Status, reason string) error {
	body := map[string]string{"status": string(status), "reason": reason}
	_, err := c.do(ctx, http.MethodPut, "/applications/"+url.PathEscape(applicationID)+"/status", body, nil,
		http.StatusOK, http.StatusNoContent)
	return err
}

// ScheduleInterview books an interview and returns its id.
func (c *Client) ScheduleInterview(ctx context.Context, applicationID string, kind saga.InterviewKind) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"kind": string(kind)}
	if _, err := c.do(ctx, http.MethodPost, "/applications/"+url.PathEscape(applicationID)+"/interviews", body, &out,
		http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("admissions: schedule interview for %s: response has no id", applicationID)
	}
	return out.ID, nil
}

// CancelInterview cancels a booked interview. Cancelling an interview that
// no longer exists is not an error.
func (c *Client) CancelInterview(ctx context.Context, interviewID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/interviews/"+url.PathEscape(interviewID), nil, nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

// ReserveSeat reserves a seat. It reports false when the service answers
// 409 (no seat available).
func (c *Client) ReserveSeat(ctx context.Context, applicationID string) (bool, error) {
	code, err := c.do(ctx, http.MethodPost, "/applications/"+url.PathEscape(applicationID)+"/seat-reservations", nil, nil,
		http.StatusCreated, http.StatusConflict)
	if err != nil {
		return false, err
	}
	return code == http.StatusCreated, nil
}

// ReleaseSeat returns a reserved seat. Releasing a reservation the service
// no longer holds is not an error.
func (c *Client) ReleaseSeat(ctx context.Context, applicationID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/applications/"+url.PathEscape(applicationID)+"/seat-reservations", nil, nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

// do sends one request. Any status outside accept yields a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any, accept ...int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("admissions: marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, fmt.Errorf("admissions: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Backbone/1.0")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("admissions: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if !accepted(resp.StatusCode, accept) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("admissions: decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func accepted(code int, accept []int) bool {
	for _, a := range accept {
		if code == a {
			return true
		}
	}
	return false
}
