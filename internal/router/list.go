package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

// SessionView is a session as listed by HQ. Remote sessions carry the
// owning remote's id and name.
type SessionView struct {
	sessions.Session
	RemoteID   string `json:"remoteId,omitempty"`
	RemoteName string `json:"remoteName,omitempty"`
}

// ListSessions returns HQ's local sessions followed by every remote's,
// in registration order. Remotes that fail or time out are skipped.
func (rt *Router) ListSessions(ctx context.Context) []SessionView {
	var out []SessionView
	for _, s := range rt.local.List() {
		out = append(out, SessionView{Session: s})
	}

	remotes := rt.reg.List()
	results := make([][]sessions.Session, len(remotes))
	g, gctx := errgroup.WithContext(ctx)
	for i, remote := range remotes {
		g.Go(func() error {
			list, err := rt.fetchSessions(gctx, remote)
			if err != nil {
				log.Printf("[router] listing sessions on %s: %v", remote.Name, err)
				return nil
			}
			results[i] = list
			return nil
		})
	}
	g.Wait()

	for i, remote := range remotes {
		for _, s := range results[i] {
			out = append(out, SessionView{Session: s, RemoteID: remote.ID, RemoteName: remote.Name})
		}
	}
	if out == nil {
		out = []SessionView{}
	}
	return out
}

func (rt *Router) fetchSessions(ctx context.Context, remote registry.Remote) ([]sessions.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.fanoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote.BaseURL+"/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	remote.Token.Apply(req.Header)

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if rt.evictIfRejected(remote, resp.StatusCode) {
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, registry.ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}

	var list []sessions.Session
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return list, nil
}

// HandleList serves GET /api/sessions on HQ.
func (rt *Router) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.ListSessions(r.Context()))
}
