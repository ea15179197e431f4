package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/classlane/change-sync/config"
	"github.com/classlane/change-sync/gateway"
	"github.com/classlane/change-sync/middleware"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// SyncServer is the REST surface of the sync protocol, same operations the
// gateway serves over WebSocket.
type SyncServer struct {
	config  *config.Config
	service *syncer.Service
	gateway *gateway.Gateway
	logger  *log.Logger
}

func NewSyncServer(config *config.Config, service *syncer.Service, gw *gateway.Gateway) *SyncServer {
	return &SyncServer{
		config:  config,
		service: service,
		gateway: gw,
		logger:  log.New(os.Stderr, "[http] ", log.LstdFlags),
	}
}

func (s *SyncServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/push", s.authenticated(s.handlePush))
	mux.HandleFunc("GET /sync/pull", s.authenticated(s.handlePull))
	mux.HandleFunc("GET /sync/conflicts", s.authenticated(s.handleListConflicts))
	mux.HandleFunc("POST /sync/conflicts/{id}/resolve", s.authenticated(s.handleResolveConflict))
	mux.HandleFunc("/sync/ws", s.gateway.ServeWs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return cors.AllowAll().Handler(mux)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity *middleware.Identity)

func (s *SyncServer) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := middleware.Authenticate(s.config, r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, identity)
	}
}

type pushRequest struct {
	Operations []store.Operation `json:"operations"`
}

func (s *SyncServer) handlePush(w http.ResponseWriter, r *http.Request, identity *middleware.Identity) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// the authenticated identity is authoritative for the origin device
	for i := range req.Operations {
		req.Operations[i].DeviceID = identity.DeviceID
	}

	result, err := s.service.PushChanges(r.Context(), identity.TenantID, req.Operations)
	if err != nil {
		s.logger.Printf("push failed for tenant %s: %v", identity.TenantID, err)
		writeError(w, http.StatusServiceUnavailable, "push failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *SyncServer) handlePull(w http.ResponseWriter, r *http.Request, identity *middleware.Identity) {
	query := r.URL.Query()
	req := syncer.PullRequest{Cursor: query.Get("cursor")}

	if _, err := store.DecodeCursor(req.Cursor); err != nil {
		writeError(w, http.StatusBadRequest, "malformed cursor")
		return
	}
	if raw := query.Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed since")
			return
		}
		req.Since = since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		req.Limit = limit
	}
	if raw := query.Get("entityTypes"); raw != "" {
		req.EntityTypes = strings.Split(raw, ",")
	}

	result, err := s.service.PullChanges(r.Context(), identity.TenantID, req)
	if err != nil {
		s.logger.Printf("pull failed for tenant %s: %v", identity.TenantID, err)
		writeError(w, http.StatusServiceUnavailable, "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *SyncServer) handleListConflicts(w http.ResponseWriter, r *http.Request, identity *middleware.Identity) {
	conflicts, err := s.service.ListConflicts(r.Context(), identity.TenantID)
	if err != nil {
		s.logger.Printf("conflict list failed for tenant %s: %v", identity.TenantID, err)
		writeError(w, http.StatusServiceUnavailable, "conflict list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Resolution string          `json:"resolution"`
	MergedData json.RawMessage `json:"mergedData,omitempty"`
}

func (s *SyncServer) handleResolveConflict(w http.ResponseWriter, r *http.Request, identity *middleware.Identity) {
	conflictID := r.PathValue("id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Resolution {
	case store.ResolutionClient, store.ResolutionServer:
	case store.ResolutionMerged:
		if len(req.MergedData) == 0 {
			writeError(w, http.StatusBadRequest, "merged resolution requires mergedData")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown resolution")
		return
	}

	err := s.service.ResolveConflict(r.Context(), identity.TenantID, conflictID, req.Resolution, req.MergedData)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case store.ErrNotFound:
		writeError(w, http.StatusNotFound, "conflict not found")
	case store.ErrConflictResolved:
		writeError(w, http.StatusConflict, "conflict already resolved")
	default:
		s.logger.Printf("resolve failed for conflict %s: %v", conflictID, err)
		writeError(w, http.StatusServiceUnavailable, "resolve failed")
	}
}

func (s *SyncServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
