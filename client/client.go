// Package client provides a Go client for the treelock operation
// coordinator. Submit blocks until the coordinator grants the lock,
// the caller runs the git operation, then Complete releases it. When
// the coordinator is unreachable the client can fall back to direct
// advisory locking against the shared store, see Degraded.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

type Client struct {
	BaseURL  string
	HTTP     *http.Client
	CallerID string
	Fallback *Degraded
}

type Option func(*Client)

func WithCallerID(id string) Option {
	return func(c *Client) {
		c.CallerID = strings.TrimSpace(id)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// WithUnixSocket routes all requests over the coordinator's unix
// socket. The BaseURL host becomes a placeholder.
func WithUnixSocket(path string) Option {
	return func(c *Client) {
		c.BaseURL = "http://treelock"
		c.HTTP = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}

// WithFallback enables degraded-mode advisory locking when the
// coordinator cannot be reached.
func WithFallback(d *Degraded) Option {
	return func(c *Client) {
		c.Fallback = d
	}
}

// Operation describes one git verb to coordinate.
type Operation struct {
	ID       string `json:"id,omitempty"`
	Verb     string `json:"verb"`
	Target   string `json:"target,omitempty"`
	Priority int    `json:"priority"`
	CallerID string `json:"caller_id"`
}

// Grant is the coordinator's permission to run an operation. The
// holder must call Complete with the GrantID when the operation ends.
type Grant struct {
	GrantID   string `json:"grant_id"`
	RequestID string `json:"request_id"`
	Scope     string `json:"scope"`
	Verb      string `json:"verb"`
	GrantedAt string `json:"granted_at"`
	WaitedMS  int64  `json:"waited_ms"`
}

type Result struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Scope      string `json:"scope_used"`
	DurationMS int64  `json:"duration_ms"`
}

type ScopeSummary struct {
	WaitP50MS  int64 `json:"wait_p50_ms"`
	WaitP95MS  int64 `json:"wait_p95_ms"`
	WaitP99MS  int64 `json:"wait_p99_ms"`
	Contention int64 `json:"contention"`
	Timeouts   int64 `json:"timeouts"`
	Acquired   int64 `json:"acquired"`
}

type Summary struct {
	PerScope      map[string]ScopeSummary `json:"per_scope"`
	StaleReclaims int64                   `json:"stale_reclaims"`
	Misfires      int64                   `json:"misfires"`
	Dropped       int64                   `json:"dropped_events"`
}

type submitError struct {
	Error    string `json:"error"`
	Scope    string `json:"scope"`
	Holder   string `json:"holder"`
	WaitedMS int64  `json:"waited_ms"`
}

// New builds a client for the given base URL. Submit long-polls, so
// the default HTTP client carries no timeout; pass a context deadline
// to bound individual calls.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit blocks until the coordinator grants the operation's scope
// lock or the request fails. On contention timeout the returned error
// unwraps to core.ErrAcquisitionTimeout and carries the contended
// scope, current holder and wait duration via core.ConflictError.
func (c *Client) Submit(ctx context.Context, op Operation) (Grant, error) {
	if op.CallerID == "" {
		op.CallerID = c.CallerID
	}
	resp, err := c.postJSON(ctx, "/api/operations", op)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", core.ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Grant{}, decodeStatusError(resp)
	}
	var out Grant
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Grant{}, err
	}
	return out, nil
}

// Complete releases the granted lock and reports the recorded result.
func (c *Client) Complete(ctx context.Context, grantID string) (Result, error) {
	resp, err := c.postJSON(ctx, "/api/grants/"+url.PathEscape(grantID)+"/complete", map[string]string{})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", core.ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, decodeStatusError(resp)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	return out, nil
}

// Heartbeat extends the TTL on a held grant. Long-running operations
// call this periodically so the coordinator does not reclaim their
// lock as stale mid-run.
func (c *Client) Heartbeat(ctx context.Context, grantID string) error {
	resp, err := c.postJSON(ctx, "/api/grants/"+url.PathEscape(grantID)+"/heartbeat", map[string]string{})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeStatusError(resp)
	}
	return nil
}

// Cancel removes a pending request from the queue. A request that was
// already granted cannot be cancelled through this path.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/operations/"+url.PathEscape(requestID), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeStatusError(resp)
	}
	return nil
}

// Summary fetches the coordinator's aggregated wait metrics.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	resp, err := c.get(ctx, "/api/metrics/summary")
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", core.ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Summary{}, decodeStatusError(resp)
	}
	var out Summary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// Run submits the operation, invokes fn while the lock is held, then
// completes the grant. If the coordinator is unreachable and a
// fallback is configured, the operation runs under a direct advisory
// lock instead.
func (c *Client) Run(ctx context.Context, op Operation, fn func(ctx context.Context) error) (Result, error) {
	grant, err := c.Submit(ctx, op)
	if err != nil {
		if errors.Is(err, core.ErrSchedulerUnavailable) && c.Fallback != nil {
			return c.runDegraded(ctx, op, fn)
		}
		return Result{}, err
	}

	runErr := fn(ctx)

	result, err := c.Complete(ctx, grant.GrantID)
	if runErr != nil {
		return result, runErr
	}
	return result, err
}

func (c *Client) runDegraded(ctx context.Context, op Operation, fn func(ctx context.Context) error) (Result, error) {
	start := time.Now()
	lease, err := c.Fallback.Acquire(ctx, op.Verb, op.Target)
	if err != nil {
		return Result{}, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	if err := fn(ctx); err != nil {
		return Result{}, err
	}
	return Result{
		RequestID:  op.ID,
		Status:     string(core.StatusSuccess),
		Scope:      string(lease.Scope),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// ExitCode maps a Run or Submit error to the CLI convention: 0 for
// success, 1 for lock acquisition timeout, 2 when the coordinator is
// unavailable and the fallback failed too.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrAcquisitionTimeout):
		return 1
	default:
		return 2
	}
}

func decodeStatusError(resp *http.Response) error {
	var body submitError
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		switch body.Error {
		case "acquisition_timeout":
			return &core.ConflictError{
				Scope:  core.ScopeID(body.Scope),
				Holder: body.Holder,
				Waited: time.Duration(body.WaitedMS) * time.Millisecond,
			}
		case "cancelled":
			return core.ErrCancelled
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return core.ErrNotFound
	}
	return fmt.Errorf("coordinator returned %d", resp.StatusCode)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.HTTP.Do(req)
}
