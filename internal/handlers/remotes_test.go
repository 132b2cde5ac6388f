package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/database"
	"github.com/neonwatty/vibetunnel-sub006/internal/hqclient"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
)

func register(t *testing.T, req hqclient.RegisterRequest) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	RegisterRemote(w, newChiRequest("POST", "/api/remotes/register", nil, req))
	return w
}

func TestRegisterRemote(t *testing.T) {
	reg := setupHQ(t)

	w := register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://alpha:4020/", Token: "secret-token"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var got map[string]interface{}
	decodeBody(t, w, &got)
	if got["baseUrl"] != "http://alpha:4020" {
		t.Errorf("baseUrl = %v", got["baseUrl"])
	}
	if _, leaked := got["token"]; leaked {
		t.Error("response includes the bearer token")
	}
	if rem, ok := reg.Get("r1"); !ok || rem.Token != "secret-token" {
		t.Errorf("registry record = %+v, %v", rem, ok)
	}

	if w := register(t, hqclient.RegisterRequest{ID: "r2", Name: "beta"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: %d, want 400", w.Code)
	}
}

func TestRegisterRemote_NameConflict(t *testing.T) {
	reg := setupHQ(t)
	register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://a", Token: "t1"})

	// Live holder keeps the name.
	w := register(t, hqclient.RegisterRequest{ID: "r2", Name: "alpha", URL: "http://b", Token: "t2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("live holder: %d, want 409", w.Code)
	}

	// Dead holder is evicted and replaced.
	var probed string
	ProbeRemote = func(_ context.Context, r registry.Remote) error {
		probed = r.ID
		return errors.New("connection refused")
	}
	w = register(t, hqclient.RegisterRequest{ID: "r2", Name: "alpha", URL: "http://b", Token: "t2"})
	if w.Code != http.StatusCreated {
		t.Fatalf("dead holder: %d, want 201: %s", w.Code, w.Body.String())
	}
	if probed != "r1" {
		t.Errorf("probed %q, want r1", probed)
	}
	if _, ok := reg.Get("r1"); ok {
		t.Error("dead holder still registered")
	}
	if rem, ok := reg.GetByName("alpha"); !ok || rem.ID != "r2" {
		t.Errorf("alpha = %+v", rem)
	}
}

func TestRegisterRemote_HolderRestartsWhileChecked(t *testing.T) {
	reg := setupHQ(t)
	register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://a", Token: "t1"})

	ProbeRemote = func(_ context.Context, r registry.Remote) error {
		if _, err := reg.Register("r1", "alpha", "http://a", "t1-restarted"); err != nil {
			t.Errorf("re-register during liveness check: %v", err)
		}
		return errors.New("connection refused")
	}
	w := register(t, hqclient.RegisterRequest{ID: "r2", Name: "alpha", URL: "http://b", Token: "t2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if rem, ok := reg.Get("r1"); !ok || rem.Token != "t1-restarted" {
		t.Errorf("restarted holder = %+v, %v", rem, ok)
	}
}

func TestRefreshAndReplaceSessions(t *testing.T) {
	reg := setupHQ(t)
	register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://a", Token: "t1"})
	register(t, hqclient.RegisterRequest{ID: "r2", Name: "beta", URL: "http://b", Token: "t2"})

	refresh := func(name string, body interface{}) int {
		w := httptest.NewRecorder()
		RefreshRemoteSessions(w, newChiRequest("POST", "/", map[string]string{"name": name}, body))
		return w.Code
	}

	if code := refresh("alpha", hqclient.RefreshRequest{Action: "created", SessionID: "s1"}); code != http.StatusNoContent {
		t.Fatalf("created: %d", code)
	}
	if owner, ok := reg.FindOwner("s1"); !ok || owner.ID != "r1" {
		t.Errorf("FindOwner(s1) = %+v, %v", owner, ok)
	}
	if code := refresh("beta", hqclient.RefreshRequest{Action: "created", SessionID: "s1"}); code != http.StatusConflict {
		t.Errorf("created elsewhere: %d, want 409", code)
	}
	if code := refresh("ghost", hqclient.RefreshRequest{Action: "created", SessionID: "s9"}); code != http.StatusNotFound {
		t.Errorf("unknown remote: %d, want 404", code)
	}
	if code := refresh("alpha", hqclient.RefreshRequest{Action: "renamed", SessionID: "s1"}); code != http.StatusBadRequest {
		t.Errorf("bad action: %d, want 400", code)
	}
	if code := refresh("alpha", hqclient.RefreshRequest{Action: "deleted", SessionID: "s1"}); code != http.StatusNoContent {
		t.Errorf("deleted: %d", code)
	}
	if _, ok := reg.FindOwner("s1"); ok {
		t.Error("s1 still resolvable after delete")
	}

	refresh("beta", hqclient.RefreshRequest{Action: "created", SessionID: "b1"})
	w := httptest.NewRecorder()
	ReplaceRemoteSessions(w, newChiRequest("PUT", "/", map[string]string{"name": "alpha"},
		hqclient.SyncRequest{SessionIDs: []string{"a1", "a2", "b1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", w.Code, w.Body.String())
	}
	var res struct {
		Accepted int      `json:"accepted"`
		Skipped  []string `json:"skipped"`
	}
	decodeBody(t, w, &res)
	if res.Accepted != 2 || len(res.Skipped) != 1 || res.Skipped[0] != "b1" {
		t.Errorf("replace result = %+v", res)
	}
}

func TestUnregisterAndListRemotes(t *testing.T) {
	setupHQ(t)
	register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://a", Token: "t1"})

	w := httptest.NewRecorder()
	ListRemotes(w, newChiRequest("GET", "/api/remotes", nil, nil))
	var list []registry.Remote
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].Name != "alpha" {
		t.Errorf("list = %+v", list)
	}

	w = httptest.NewRecorder()
	UnregisterRemote(w, newChiRequest("DELETE", "/", map[string]string{"id": "r1"}, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("unregister: %d", w.Code)
	}
	w = httptest.NewRecorder()
	UnregisterRemote(w, newChiRequest("DELETE", "/", map[string]string{"id": "r1"}, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second unregister: %d, want 404", w.Code)
	}
}

func TestRemoteHandlers_NotHQ(t *testing.T) {
	w := httptest.NewRecorder()
	ListRemotes(w, newChiRequest("GET", "/api/remotes", nil, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetRemoteEvents(t *testing.T) {
	setupTestDB(t)
	reg := setupHQ(t)
	reg.OnEvent(EventLog.RecordRemoteEvent)

	register(t, hqclient.RegisterRequest{ID: "r1", Name: "alpha", URL: "http://a", Token: "t1"})
	register(t, hqclient.RegisterRequest{ID: "r2", Name: "beta", URL: "http://b", Token: "t2"})
	reg.Evict("r2", "health check failed")

	w := httptest.NewRecorder()
	GetRemoteEvents(w, newChiRequest("GET", "/api/remotes/events?remote_name=beta", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var page database.EventPage
	decodeBody(t, w, &page)
	if page.Total != 2 || page.Entries[0].Type != "evicted" || page.Entries[0].Details != "health check failed" {
		t.Errorf("page = %+v", page)
	}

	w = httptest.NewRecorder()
	GetRemoteEvents(w, newChiRequest("GET", "/api/remotes/events?limit=0", nil, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: %d, want 400", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	setupStore(t)
	BearerToken = auth.BearerToken("remote-token")
	defer func() { BearerToken = "" }()

	w := httptest.NewRecorder()
	HealthCheck(w, newChiRequest("GET", "/api/health", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous: %d", w.Code)
	}
	var body map[string]interface{}
	decodeBody(t, w, &body)
	if body["status"] != "healthy" || body["database"] != "disabled" {
		t.Errorf("body = %v", body)
	}

	req := newChiRequest("GET", "/api/health", nil, nil)
	req.Header.Set("Authorization", "Bearer remote-token")
	w = httptest.NewRecorder()
	HealthCheck(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid bearer: %d", w.Code)
	}

	req = newChiRequest("GET", "/api/health", nil, nil)
	req.Header.Set("Authorization", "Bearer stale-token")
	w = httptest.NewRecorder()
	HealthCheck(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("stale bearer: %d, want 401", w.Code)
	}
}

func TestHealthCheck_DrivesRegistryEviction(t *testing.T) {
	BearerToken = auth.BearerToken("current")
	defer func() { BearerToken = "" }()
	srv := httptest.NewServer(http.HandlerFunc(HealthCheck))
	defer srv.Close()

	check := registry.HTTPHealthChecker(srv.Client())
	if err := check(context.Background(), registry.Remote{BaseURL: srv.URL, Token: "current"}); err != nil {
		t.Errorf("current token: %v", err)
	}
	err := check(context.Background(), registry.Remote{BaseURL: srv.URL, Token: "old"})
	if !errors.Is(err, registry.ErrUnauthorized) {
		t.Errorf("old token err = %v, want ErrUnauthorized", err)
	}
}
