package httpapi

import (
	"net/http"
)

func NewRouter(svc *Service, wsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/operations", svc.handleOperations)
	mux.HandleFunc("/api/operations/", svc.handleOperationByID)
	mux.HandleFunc("/api/grants/", svc.handleGrantByID)
	mux.HandleFunc("/api/locks", svc.handleLocks)
	mux.HandleFunc("/api/metrics/summary", svc.handleMetricsSummary)
	mux.HandleFunc("/api/metrics/events", svc.handleMetricsEvents)
	mux.HandleFunc("/healthz", svc.handleHealth)
	if wsHandler != nil {
		mux.Handle("/ws/metrics", wsHandler)
	}
	return mux
}
