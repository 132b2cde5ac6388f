// Package router runs inside HQ and sends every session-scoped request to
// whoever owns the session: a registered remote (forwarded with that
// remote's bearer token) or HQ's own store (handled locally).
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

// DefaultFanoutTimeout bounds each remote's answer when listing sessions.
const DefaultFanoutTimeout = 5 * time.Second

// LocalSessions is the part of HQ's own store the router consults.
type LocalSessions interface {
	Has(id string) bool
	List() []sessions.Session
}

type Options struct {
	// HTTPClient carries forwarded calls. It must not set a Timeout, since
	// forwarded event streams stay open indefinitely.
	HTTPClient    *http.Client
	FanoutTimeout time.Duration
}

// Router resolves session ownership and forwards requests.
type Router struct {
	reg           *registry.Registry
	local         LocalSessions
	client        *http.Client
	fanoutTimeout time.Duration
}

func New(reg *registry.Registry, local LocalSessions, opts Options) *Router {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = DefaultFanoutTimeout
	}
	return &Router{
		reg:           reg,
		local:         local,
		client:        opts.HTTPClient,
		fanoutTimeout: opts.FanoutTimeout,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// SessionScoped is chi middleware for routes under /api/sessions/{id}.
// Sessions owned by a remote are forwarded; local sessions reach next;
// anything else is 404.
func (rt *Router) SessionScoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if remote, ok := rt.reg.FindOwner(id); ok {
			rt.Forward(w, r, remote)
			return
		}
		if rt.local.Has(id) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "Session not found")
	})
}

// Forward relays r to remote over HTTP or, for upgrade requests, as a
// websocket.
func (rt *Router) Forward(w http.ResponseWriter, r *http.Request, remote registry.Remote) {
	if isWebSocketUpgrade(r) {
		rt.forwardWebSocket(w, r, remote)
		return
	}
	rt.forwardHTTP(w, r, remote)
}

// createEnvelope is the part of a create request the router reads.
type createEnvelope struct {
	RemoteID string `json:"remoteId"`
}

// maxCreateBody caps a session create body read into memory.
const maxCreateBody = 1 << 20

// CreateSession wraps the local create handler. A body naming a remoteId is
// forwarded to that remote without consulting ownership; the new session is
// recorded as the remote's right away so follow-up calls resolve before the
// remote's own notification arrives.
func (rt *Router) CreateSession(local http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
		r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))

		var env createEnvelope
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &env); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
		}
		if env.RemoteID == "" {
			local.ServeHTTP(w, r)
			return
		}

		remote, ok := rt.reg.Get(env.RemoteID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Remote %s not found", env.RemoteID))
			return
		}
		rec := &captureID{ResponseWriter: w}
		rt.forwardHTTP(rec, r, remote)
		if rec.status >= 200 && rec.status < 300 && rec.id() != "" {
			if err := rt.reg.RefreshSessions(remote.Name, registry.ActionCreated, rec.id()); err != nil {
				log.Printf("[router] recording session %s on %s: %v", rec.id(), remote.Name, err)
			}
		}
	})
}

// captureID keeps a copy of a small create response while relaying it.
type captureID struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureID) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureID) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	if c.buf.Len() < maxCreateBody {
		c.buf.Write(p)
	}
	return c.ResponseWriter.Write(p)
}

func (c *captureID) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureID) id() string {
	var s struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(c.buf.Bytes(), &s) != nil {
		return ""
	}
	return s.ID
}
