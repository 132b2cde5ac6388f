// Package hqclient is the Remote side of the HQ admin API: registration,
// session-change notifications, full resyncs and unregistration. Every call
// carries HQ's admin credentials as HTTP Basic auth.
package hqclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
)

// ErrRegistrationRejected is matched by a StatusError for a registration HQ
// refused: bad admin credentials or a name held by another remote.
var ErrRegistrationRejected = errors.New("registration rejected by HQ")

// StatusError is a non-2xx answer from HQ.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrRegistrationRejected) match refused registrations.
func (e *StatusError) Is(target error) bool {
	if target != ErrRegistrationRejected || e.Op != opRegister {
		return false
	}
	switch e.StatusCode {
	case http.StatusConflict, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// IsNotFound reports whether err is a 404 from HQ, meaning HQ has no record
// of this remote.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

const (
	opRegister   = "register"
	opUnregister = "unregister"
	opNotify     = "notify session"
	opSync       = "sync sessions"
)

// RegisterRequest is the body of POST /api/remotes/register.
type RegisterRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// RefreshRequest is the body of POST /api/remotes/{name}/refresh-sessions.
type RefreshRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// SyncRequest is the body of PUT /api/remotes/{name}/sessions.
type SyncRequest struct {
	SessionIDs []string `json:"sessionIds"`
}

// RemoteInfo identifies this remote to HQ.
type RemoteInfo struct {
	ID    string
	Name  string
	URL   string
	Token auth.BearerToken
}

// Client talks to one HQ.
type Client struct {
	baseURL string
	creds   auth.AdminCredentials
	http    *http.Client
}

// New returns a client for the HQ at baseURL.
func New(baseURL string, creds auth.AdminCredentials) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.creds.Apply(req)

	return c.http.Do(req)
}

func (c *Client) call(ctx context.Context, op, method, path string, body interface{}, okStatus ...int) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	for _, s := range okStatus {
		if resp.StatusCode == s {
			return nil
		}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Register announces this remote and its bearer token to HQ.
func (c *Client) Register(ctx context.Context, info RemoteInfo) error {
	return c.call(ctx, opRegister, http.MethodPost, "/api/remotes/register", RegisterRequest{
		ID:    info.ID,
		Name:  info.Name,
		URL:   info.URL,
		Token: string(info.Token),
	})
}

// Unregister removes this remote from HQ. A remote HQ no longer knows is
// not an error.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.call(ctx, opUnregister, http.MethodDelete, "/api/remotes/"+url.PathEscape(id), nil, http.StatusNotFound)
}

// NotifySession reports one session change ("created" or "deleted").
func (c *Client) NotifySession(ctx context.Context, remoteName, action, sessionID string) error {
	return c.call(ctx, opNotify, http.MethodPost, "/api/remotes/"+url.PathEscape(remoteName)+"/refresh-sessions", RefreshRequest{
		Action:    action,
		SessionID: sessionID,
	})
}

// SyncSessions replaces HQ's view of this remote's sessions with ids.
func (c *Client) SyncSessions(ctx context.Context, remoteName string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return c.call(ctx, opSync, http.MethodPut, "/api/remotes/"+url.PathEscape(remoteName)+"/sessions", SyncRequest{
		SessionIDs: ids,
	})
}
