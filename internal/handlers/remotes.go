package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/database"
	"github.com/neonwatty/vibetunnel-sub006/internal/hqclient"
	"github.com/neonwatty/vibetunnel-sub006/internal/logutil"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
)

// Set from main.go when running as HQ.
var (
	Registry *registry.Registry
	EventLog *database.EventLog
	// ProbeRemote checks whether the current holder of a contested name is
	// still alive.
	ProbeRemote registry.HealthChecker
)

// probeTimeout bounds the liveness probe of a name holder during registration.
var probeTimeout = 5 * time.Second

func requireRegistry(w http.ResponseWriter) bool {
	if Registry == nil {
		writeError(w, http.StatusNotFound, "Not running as HQ")
		return false
	}
	return true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrRemoteNotFound):
		writeError(w, http.StatusNotFound, "Remote not found")
	case errors.Is(err, registry.ErrNameConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrSessionOwned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidRemote), errors.Is(err, registry.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// RegisterRemote handles POST /api/remotes/register. When the name is held
// by another id, the holder is probed once; a holder that does not answer
// is evicted and the new registration takes its place.
func RegisterRemote(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	var req hqclient.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token := auth.BearerToken(req.Token)
	remote, err := Registry.Register(req.ID, req.Name, req.URL, token)
	if errors.Is(err, registry.ErrNameConflict) && takeOverStaleName(r.Context(), req.Name) {
		remote, err = Registry.Register(req.ID, req.Name, req.URL, token)
	}
	if err != nil {
		log.Printf("[registry] registration of %s (%s) rejected: %v", logutil.Sanitize(req.Name), logutil.Sanitize(req.ID), err)
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote)
}

func takeOverStaleName(ctx context.Context, name string) bool {
	holder, ok := Registry.GetByName(name)
	if !ok {
		return true
	}
	if ProbeRemote == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	err := ProbeRemote(ctx, holder)
	if err == nil {
		return false
	}
	if Registry.EvictIf(holder, fmt.Sprintf("name %s claimed by a new registration, holder probe failed: %v", name, err)) {
		return true
	}
	// The holder changed during the check; only a released name is free.
	_, held := Registry.GetByName(name)
	return !held
}

func UnregisterRemote(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	if err := Registry.Unregister(chi.URLParam(r, "id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ListRemotes(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	writeJSON(w, http.StatusOK, Registry.List())
}

// RefreshRemoteSessions handles POST /api/remotes/{name}/refresh-sessions.
func RefreshRemoteSessions(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	var req hqclient.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := Registry.RefreshSessions(chi.URLParam(r, "name"), registry.Action(req.Action), req.SessionID); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceRemoteSessions handles PUT /api/remotes/{name}/sessions.
func ReplaceRemoteSessions(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	var req hqclient.SyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	skipped, err := Registry.ReplaceSessions(chi.URLParam(r, "name"), req.SessionIDs)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if skipped == nil {
		skipped = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": len(req.SessionIDs) - len(skipped),
		"skipped":  skipped,
	})
}

// GetRemoteEvents handles GET /api/remotes/events.
// Query parameters: remote_id, remote_name, type, limit (default 50), offset.
func GetRemoteEvents(w http.ResponseWriter, r *http.Request) {
	if EventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Event log not initialized")
		return
	}

	q := r.URL.Query()
	opts := database.EventQuery{
		RemoteID:   q.Get("remote_id"),
		RemoteName: q.Get("remote_name"),
		Type:       q.Get("type"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	page, err := EventLog.ListRemoteEvents(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query remote events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
