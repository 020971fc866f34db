package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

type apiLock struct {
	Scope       string `json:"scope"`
	HolderID    string `json:"holder_id"`
	AcquiredAt  string `json:"acquired_at"`
	TTLDeadline string `json:"ttl_deadline"`
	Generation  uint64 `json:"generation"`
	Advisory    bool   `json:"advisory,omitempty"`
}

func toAPILock(l core.Lock) apiLock {
	return apiLock{
		Scope:       string(l.Scope),
		HolderID:    l.HolderID,
		AcquiredAt:  l.AcquiredAt.Format(time.RFC3339Nano),
		TTLDeadline: l.TTLDeadline.Format(time.RFC3339Nano),
		Generation:  l.Generation,
		Advisory:    l.Advisory,
	}
}

func (s *Service) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locks := s.reg.Snapshot()
	out := make([]apiLock, 0, len(locks))
	for _, l := range locks {
		out = append(out, toAPILock(l))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"locks": out})
}
