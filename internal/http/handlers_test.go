package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/metrics"
	"github.com/quietfield/treelock/internal/registry"
	"github.com/quietfield/treelock/internal/scheduler"
	"github.com/quietfield/treelock/internal/storage"
)

type testStack struct {
	srv *httptest.Server
	reg *registry.Registry
	rec *metrics.Recorder
}

func newTestStack(t *testing.T, schedCfg scheduler.Config) *testStack {
	t.Helper()

	reg := registry.New(registry.Config{
		TTL:      time.Minute,
		Liveness: func(string) bool { return true },
	})
	rec := metrics.New(storage.NewInMemory(), nil, metrics.Config{FlushInterval: 10 * time.Millisecond})
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	sched := scheduler.New(reg, rec, nil, nil, schedCfg)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	svc := NewService(sched, reg, rec)
	srv := httptest.NewServer(NewRouter(svc, nil))
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, reg: reg, rec: rec}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitAndComplete(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
		"verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	grant := decodeJSON[apiGrant](t, resp)
	if grant.GrantID == "" || grant.Scope != "worktree:wt-1" {
		t.Fatalf("bad grant: %+v", grant)
	}

	// The held lock is visible while the grant is open.
	lresp, err := http.Get(ts.srv.URL + "/api/locks")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	locks := decodeJSON[map[string][]apiLock](t, lresp)
	if len(locks["locks"]) != 1 || locks["locks"][0].HolderID != "cli:100" {
		t.Fatalf("unexpected locks: %+v", locks)
	}

	cresp := postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/complete", nil)
	if cresp.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d", cresp.StatusCode)
	}
	result := decodeJSON[core.Result](t, cresp)
	if result.Status != core.StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{"priority": 5})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing verb, got %d", resp.StatusCode)
	}
}

func TestSubmitTimeoutConflictPayload(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{AcquireTimeout: 30 * time.Millisecond})

	lock, err := ts.reg.Acquire(context.Background(), core.WorktreeScope("wt-1"), "hog", time.Second)
	if err != nil {
		t.Fatalf("setup acquire: %v", err)
	}
	defer ts.reg.Release(lock)

	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
		"verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:200",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	payload := decodeJSON[map[string]any](t, resp)
	if payload["error"] != "acquisition_timeout" {
		t.Fatalf("expected acquisition_timeout, got %v", payload["error"])
	}
	if payload["holder"] != "hog" || payload["scope"] != "worktree:wt-1" {
		t.Fatalf("remediation context missing: %+v", payload)
	}
}

func TestCancelPendingOperation(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{AcquireTimeout: 10 * time.Second})

	lock, err := ts.reg.Acquire(context.Background(), core.WorktreeScope("wt-1"), "hog", time.Second)
	if err != nil {
		t.Fatalf("setup acquire: %v", err)
	}
	defer ts.reg.Release(lock)

	type submitResult struct {
		status int
		body   map[string]any
	}
	done := make(chan submitResult, 1)
	go func() {
		resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
			"id": "req-cancel", "verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:300",
		})
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- submitResult{status: resp.StatusCode, body: body}
	}()

	// Wait for the request to be inside the scheduler, then cancel.
	var cancelStatus int
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/operations/req-cancel", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("cancel request: %v", err)
		}
		resp.Body.Close()
		cancelStatus = resp.StatusCode
		if cancelStatus == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cancelStatus != http.StatusOK {
		t.Fatalf("cancel never succeeded, last status %d", cancelStatus)
	}

	res := <-done
	if res.status != http.StatusConflict || res.body["error"] != "cancelled" {
		t.Fatalf("expected cancelled conflict, got %d %+v", res.status, res.body)
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/operations/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCompleteUnknownGrant(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp := postJSON(t, ts.srv.URL+"/api/grants/nope/complete", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsSummaryAndEventsFeed(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	// Run one full operation so events exist.
	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
		"verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:400",
	})
	grant := decodeJSON[apiGrant](t, resp)
	cresp := postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/complete", nil)
	cresp.Body.Close()

	// Ingestion is asynchronous; poll until the summary reflects it.
	sumDeadline := time.Now().Add(2 * time.Second)
	for {
		sresp, err := http.Get(ts.srv.URL + "/api/metrics/summary")
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		summary := decodeJSON[metrics.Summary](t, sresp)
		if summary.PerScope["worktree"].Acquired == 1 {
			break
		}
		if time.Now().After(sumDeadline) {
			t.Fatalf("summary never updated: %+v", summary.PerScope)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The flusher persists on its own interval; poll the feed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		eresp, err := http.Get(ts.srv.URL + "/api/metrics/events")
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(eresp.Body)
		eresp.Body.Close()
		if eresp.StatusCode != http.StatusOK {
			t.Fatalf("events status %d", eresp.StatusCode)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) >= 3 && lines[0] != "" {
			for _, line := range lines {
				if got := len(strings.Split(line, ",")); got != 5 {
					t.Fatalf("feed line has %d fields: %q", got, line)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never flushed, last body %q", buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	bad, err := http.Get(ts.srv.URL + "/api/metrics/events?since=yesterday")
	if err != nil {
		t.Fatalf("bad since: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", bad.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp, err := http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body := decodeJSON[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health payload: %+v", body)
	}
}

func TestQueueIntrospection(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
		"verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:500",
	})
	grant := decodeJSON[apiGrant](t, resp)

	qresp, err := http.Get(ts.srv.URL + "/api/operations")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	q := decodeJSON[map[string]json.RawMessage](t, qresp)
	var grants []scheduler.Grant
	if err := json.Unmarshal(q["grants"], &grants); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(grants) != 1 || grants[0].RequestID != grant.RequestID {
		t.Fatalf("expected the open grant listed, got %+v", grants)
	}

	cresp := postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/complete", nil)
	cresp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	for _, path := range []string{"/api/locks", "/api/metrics/summary", "/api/metrics/events", "/healthz"} {
		resp := postJSON(t, ts.srv.URL+path, map[string]any{})
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405 for POST, got %d", path, resp.StatusCode)
		}
	}
	req, _ := http.NewRequest(http.MethodPut, ts.srv.URL+"/api/operations", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for PUT, got %d", resp.StatusCode)
	}
}

func TestGrantHeartbeat(t *testing.T) {
	ts := newTestStack(t, scheduler.Config{})

	resp := postJSON(t, ts.srv.URL+"/api/operations", map[string]any{
		"verb": "commit", "target": "wt-1", "priority": 5, "caller_id": "cli:100",
	})
	grant := decodeJSON[apiGrant](t, resp)

	before := ts.reg.Snapshot()[0].TTLDeadline
	time.Sleep(5 * time.Millisecond)

	hresp := postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/heartbeat", nil)
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d", hresp.StatusCode)
	}
	body := decodeJSON[map[string]string](t, hresp)
	deadline, err := time.Parse(time.RFC3339Nano, body["ttl_deadline"])
	if err != nil {
		t.Fatalf("parse ttl_deadline: %v", err)
	}
	if !deadline.After(before) {
		t.Fatalf("deadline %v not extended past %v", deadline, before)
	}

	postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/complete", nil).Body.Close()

	gone := postJSON(t, ts.srv.URL+"/api/grants/"+grant.GrantID+"/heartbeat", nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after completion, got %d", gone.StatusCode)
	}
}
