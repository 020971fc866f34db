package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/scheduler"
)

type operationRequest struct {
	ID       string `json:"id,omitempty"`
	Verb     string `json:"verb"`
	Target   string `json:"target,omitempty"`
	Priority int    `json:"priority"`
	CallerID string `json:"caller_id"`
}

type apiGrant struct {
	GrantID   string `json:"grant_id"`
	RequestID string `json:"request_id"`
	Scope     string `json:"scope"`
	Verb      string `json:"verb"`
	GrantedAt string `json:"granted_at"`
	WaitedMS  int64  `json:"waited_ms"`
}

func toAPIGrant(g *scheduler.Grant) apiGrant {
	return apiGrant{
		GrantID:   g.ID,
		RequestID: g.RequestID,
		Scope:     string(g.Scope),
		Verb:      g.Verb,
		GrantedAt: g.GrantedAt.Format(time.RFC3339Nano),
		WaitedMS:  g.WaitedMS,
	}
}

func (s *Service) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitOperation(w, r)
	case http.MethodGet:
		s.listQueue(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// submitOperation blocks until the scheduler grants a slot or the
// request reaches a terminal failure. Connection close cancels the
// request via the request context.
func (s *Service) submitOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Verb == "" || req.CallerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	grant, err := s.sched.Submit(r.Context(), core.Request{
		ID:       req.ID,
		Verb:     req.Verb,
		Target:   req.Target,
		Priority: req.Priority,
		CallerID: req.CallerID,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAPIGrant(grant))
}

func (s *Service) writeSubmitError(w http.ResponseWriter, err error) {
	var conflict *core.ConflictError
	switch {
	case errors.As(err, &conflict):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":     "acquisition_timeout",
			"scope":     string(conflict.Scope),
			"holder":    conflict.Holder,
			"waited_ms": conflict.Waited.Milliseconds(),
		})
	case errors.Is(err, core.ErrCancelled):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "cancelled"})
	default:
		s.log.Error("submit failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Service) listQueue(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"queued": s.sched.Queue(),
		"grants": s.sched.Grants(),
	})
}

func (s *Service) handleOperationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/operations/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.sched.Cancel(id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGrantByID serves POST /api/grants/{id}/complete and
// POST /api/grants/{id}/heartbeat.
func (s *Service) handleGrantByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/grants/"), "/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch action {
	case "complete":
		result, err := s.sched.Complete(id)
		if err != nil {
			s.writeGrantError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	case "heartbeat":
		deadline, err := s.sched.Heartbeat(id)
		if err != nil {
			s.writeGrantError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"ttl_deadline": deadline.Format(time.RFC3339Nano),
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (s *Service) writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, core.ErrLockNotHeld), errors.Is(err, core.ErrStaleGeneration):
		// The lock was reclaimed out from under the grant.
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
