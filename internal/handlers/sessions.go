package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neonwatty/vibetunnel-sub006/internal/middleware"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

// Store is set from main.go during init.
var Store *sessions.Store

// sseKeepAlive is the interval between comment lines on an idle stream.
var sseKeepAlive = 15 * time.Second

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, sessions.ErrExited):
		writeError(w, http.StatusConflict, "Session has exited")
	case errors.Is(err, sessions.ErrInvalidSize):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Store.List())
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// The terminal outlives the request that created it.
	sess, err := Store.Create(context.WithoutCancel(r.Context()), req)
	if err != nil {
		log.Printf("[sessions] create by %s failed: %v", middleware.GetPrincipal(r), err)
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := Store.Delete(chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// inputRequest carries either literal text or a named key.
type inputRequest struct {
	Text string `json:"text"`
	Key  string `json:"key"`
}

var keySequences = map[string]string{
	"enter":       "\r",
	"escape":      "\x1b",
	"tab":         "\t",
	"backspace":   "\x7f",
	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",
	"ctrl_c":      "\x03",
	"ctrl_d":      "\x04",
}

func SendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	data := req.Text
	if req.Key != "" {
		seq, ok := keySequences[req.Key]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown key %q", req.Key))
			return
		}
		data += seq
	}
	if data == "" {
		writeError(w, http.StatusBadRequest, "text or key is required")
		return
	}
	if err := Store.WriteInput(chi.URLParam(r, "id"), []byte(data)); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func ResizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := Store.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeSessionError(w, err)
		return
	}
	sess, err := Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetBuffer returns the latest snapshot as opaque bytes, or 204 before the
// terminal has produced one.
func GetBuffer(w http.ResponseWriter, r *http.Request) {
	snap, err := Store.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(snap)
}

// StreamOutput serves the session's output as server-sent events. Each event
// is a JSON array [seconds since stream start, "o", text]; the stream ends
// with an "exit" event when the session is deleted.
func StreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	done, err := Store.Done(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		mu     sync.Mutex
		closed bool
		start  = time.Now()
	)
	write := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		fmt.Fprint(w, s)
		flusher.Flush()
	}
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	cancel, err := Store.WatchOutput(r.Context(), id, func(p []byte) {
		ev, _ := json.Marshal([]interface{}{time.Since(start).Seconds(), "o", string(p)})
		write("data: " + string(ev) + "\n\n")
	})
	if err != nil {
		return
	}
	defer cancel()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			write("event: exit\ndata: {}\n\n")
			return
		case <-ticker.C:
			write(": keepalive\n\n")
		}
	}
}
