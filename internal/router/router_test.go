package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

func okChecker(context.Context, registry.Remote) error { return nil }

type harness struct {
	reg   *registry.Registry
	store *sessions.Store
	rt    *Router
	hq    *httptest.Server
}

// newHarness serves the session routes HQ mounts, with a local handler that
// answers "local:<id>".
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := sessions.NewStore(nil)
	t.Cleanup(store.Close)
	reg := registry.New(registry.Options{Checker: okChecker, IsLocal: store.Has})
	rt := New(reg, store, Options{FanoutTimeout: 500 * time.Millisecond})

	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("local:" + chi.URLParam(r, "id")))
	})
	localCreate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"local-new"}`))
	})

	mux := chi.NewRouter()
	mux.Get("/api/sessions", rt.HandleList)
	mux.Method(http.MethodPost, "/api/sessions", rt.CreateSession(localCreate))
	mux.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Use(rt.SessionScoped)
		r.Get("/", local)
		r.Post("/input", local)
		r.Get("/stream", local)
		r.Get("/ws", local)
	})
	hq := httptest.NewServer(mux)
	t.Cleanup(hq.Close)
	return &harness{reg: reg, store: store, rt: rt, hq: hq}
}

func (h *harness) addRemote(t *testing.T, id, name string, srv *httptest.Server, sessionIDs ...string) registry.Remote {
	t.Helper()
	rem, err := h.reg.Register(id, name, srv.URL, auth.BearerToken("tok-"+id))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sessionIDs {
		if err := h.reg.RefreshSessions(name, registry.ActionCreated, s); err != nil {
			t.Fatal(err)
		}
	}
	return rem
}

type seenRequest struct {
	method, path, query, auth, cookie, body string
}

type fakeRemote struct {
	mu   sync.Mutex
	seen []seenRequest
}

func (f *fakeRemote) last() seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		return seenRequest{}
	}
	return f.seen[len(f.seen)-1]
}

func newFakeRemote(t *testing.T, handler http.HandlerFunc) (*fakeRemote, *httptest.Server) {
	t.Helper()
	f := &fakeRemote{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, seenRequest{
			method: r.Method, path: r.URL.Path, query: r.URL.RawQuery,
			auth: r.Header.Get("Authorization"), cookie: r.Header.Get("Cookie"), body: string(body),
		})
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestSessionScoped_ForwardsWithBearerToken(t *testing.T) {
	h := newHarness(t)
	remote, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Remote", "alpha")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("remote-ok"))
	})
	h.addRemote(t, "r1", "alpha", srv, "s1")
	other, otherSrv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {})
	h.addRemote(t, "r2", "beta", otherSrv)

	req, _ := http.NewRequest(http.MethodPost, h.hq.URL+"/api/sessions/s1/input?token=client-secret&x=1", strings.NewReader("ls\n"))
	req.Header.Set("Authorization", "Bearer client-secret")
	req.Header.Set("Cookie", "sid=abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted || string(body) != "remote-ok" || resp.Header.Get("X-Remote") != "alpha" {
		t.Fatalf("response = %d %q %v", resp.StatusCode, body, resp.Header)
	}
	got := remote.last()
	want := seenRequest{method: "POST", path: "/api/sessions/s1/input", query: "x=1", auth: "Bearer tok-r1", body: "ls\n"}
	if got != want {
		t.Errorf("remote saw %+v, want %+v", got, want)
	}
	if len(other.seen) != 0 {
		t.Errorf("non-owner remote received %d requests", len(other.seen))
	}
}

func TestSessionScoped_LocalAndUnknown(t *testing.T) {
	h := newHarness(t)
	s, err := h.store.Create(context.Background(), sessions.CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(h.hq.URL + "/api/sessions/" + s.ID + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "local:"+s.ID {
		t.Errorf("local session body = %q", body)
	}

	resp, err = http.Get(h.hq.URL + "/api/sessions/ghost/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestForward_AuthRejectionEvictsRemote(t *testing.T) {
	h := newHarness(t)
	_, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	h.addRemote(t, "r1", "alpha", srv, "s1")

	resp, err := http.Get(h.hq.URL + "/api/sessions/s1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if _, ok := h.reg.Get("r1"); ok {
		t.Fatal("remote not evicted after 401")
	}

	resp, err = http.Get(h.hq.URL + "/api/sessions/s1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after eviction = %d, want 404", resp.StatusCode)
	}
}

func TestForward_StaleRejectionKeepsReplacement(t *testing.T) {
	h := newHarness(t)
	_, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	stale := h.addRemote(t, "r1", "alpha", srv)

	// The remote restarts under the same id with a new token while a call
	// made with the old one is still in flight.
	if _, err := h.reg.Register("r1", "alpha", srv.URL, "tok-restarted"); err != nil {
		t.Fatal(err)
	}
	h.reg.RefreshSessions("alpha", registry.ActionCreated, "s1")

	if !h.rt.evictIfRejected(stale, http.StatusUnauthorized) {
		t.Error("401 not reported as a rejection")
	}
	if _, ok := h.reg.Get("r1"); !ok {
		t.Fatal("stale rejection evicted the new registration")
	}
	if owner, ok := h.reg.FindOwner("s1"); !ok || owner.Token != "tok-restarted" {
		t.Errorf("FindOwner(s1) = %+v, %v", owner, ok)
	}
}

func TestHealthEvictionMakesSessionsUnresolvable(t *testing.T) {
	store := sessions.NewStore(nil)
	defer store.Close()
	failing := func(context.Context, registry.Remote) error { return errors.New("connection refused") }
	reg := registry.New(registry.Options{Checker: failing, FailureThreshold: 1})
	rt := New(reg, store, Options{})

	if _, err := reg.Register("r1", "alpha", "http://127.0.0.1:1", "tok"); err != nil {
		t.Fatal(err)
	}
	reg.RefreshSessions("alpha", registry.ActionCreated, "s1")
	reg.CheckAll(context.Background())

	mux := chi.NewRouter()
	mux.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Use(rt.SessionScoped)
		r.Get("/", func(http.ResponseWriter, *http.Request) { t.Error("local handler reached") })
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestForward_UnreachableRemote(t *testing.T) {
	h := newHarness(t)
	_, srv := newFakeRemote(t, func(http.ResponseWriter, *http.Request) {})
	h.addRemote(t, "r1", "alpha", srv, "s1")
	srv.Close()

	resp, err := http.Get(h.hq.URL + "/api/sessions/s1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if _, ok := h.reg.Get("r1"); !ok {
		t.Error("transport error should leave eviction to the health sweep")
	}
}

func TestForward_StreamsEventsAsProduced(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	_, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	h.addRemote(t, "r1", "alpha", srv, "s1")
	defer close(release)

	resp, err := http.Get(h.hq.URL + "/api/sessions/s1/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		if line != "data: first\n" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event not flushed through the router")
	}
}

func TestForward_WebSocketRelay(t *testing.T) {
	h := newHarness(t)
	remote, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	})
	h.addRemote(t, "r1", "alpha", srv, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.hq.URL, "http")+"/api/sessions/s1/ws", nil)
	if err != nil {
		t.Fatalf("dial HQ: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary || string(data) != "echo:\x01\x02" {
		t.Errorf("relayed %v %q", typ, data)
	}
	if got := remote.last().auth; got != "Bearer tok-r1" {
		t.Errorf("remote leg Authorization = %q", got)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestForward_WebSocketRemoteDown(t *testing.T) {
	h := newHarness(t)
	_, srv := newFakeRemote(t, func(http.ResponseWriter, *http.Request) {})
	h.addRemote(t, "r1", "alpha", srv, "s1")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.hq.URL, "http")+"/api/sessions/s1/ws", nil)
	if err != nil {
		t.Fatalf("dial HQ: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != closeUpstreamUnavailable {
		t.Errorf("close status = %d, want %d (err %v)", got, closeUpstreamUnavailable, err)
	}
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	remote, srv := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"remote-new","name":"x"}`))
	})
	h.addRemote(t, "r1", "alpha", srv)

	post := func(body string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Post(h.hq.URL+"/api/sessions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(b)
	}

	resp, body := post(`{"remoteId":"r1","name":"x"}`)
	if resp.StatusCode != http.StatusCreated || !strings.Contains(body, "remote-new") {
		t.Fatalf("remote create = %d %q", resp.StatusCode, body)
	}
	if got := remote.last(); got.path != "/api/sessions" || got.auth != "Bearer tok-r1" || got.body != `{"remoteId":"r1","name":"x"}` {
		t.Errorf("remote saw %+v", got)
	}
	if owner, ok := h.reg.FindOwner("remote-new"); !ok || owner.ID != "r1" {
		t.Errorf("FindOwner(remote-new) = %+v, %v", owner, ok)
	}

	if resp, _ := post(`{"remoteId":"nope"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown remote status = %d, want 404", resp.StatusCode)
	}
	if resp, body := post(`{"name":"here"}`); resp.StatusCode != http.StatusCreated || body != `{"id":"local-new"}` {
		t.Errorf("local create = %d %q", resp.StatusCode, body)
	}
	if resp, _ := post(`{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

func TestListSessions_AggregatesAndSkipsFailures(t *testing.T) {
	h := newHarness(t)
	local, _ := h.store.Create(context.Background(), sessions.CreateRequest{Name: "hq"})

	_, good := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]sessions.Session{{ID: "a1", Name: "one"}, {ID: "a2", Name: "two"}})
	})
	_, broken := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, slow := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	h.addRemote(t, "r1", "alpha", good)
	h.addRemote(t, "r2", "beta", broken)
	h.addRemote(t, "r3", "gamma", slow)

	start := time.Now()
	resp, err := http.Get(h.hq.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("list took %s, slow remote not bounded", elapsed)
	}

	var got []SessionView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d sessions: %+v", len(got), got)
	}
	if got[0].ID != local.ID || got[0].RemoteID != "" {
		t.Errorf("first entry = %+v, want local session", got[0])
	}
	for _, s := range got[1:] {
		if s.RemoteID != "r1" || s.RemoteName != "alpha" {
			t.Errorf("remote entry not tagged: %+v", s)
		}
	}
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.rt.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestTargetURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/sessions/a%2Fb/stream?token=x&since=5", nil)
	if got := targetURL("http://alpha:4020", r); got != "http://alpha:4020/api/sessions/a%2Fb/stream?since=5" {
		t.Errorf("targetURL = %q", got)
	}
	for in, want := range map[string]string{
		"http://a/buffers":  "ws://a/buffers",
		"https://a/buffers": "wss://a/buffers",
	} {
		if got, err := wsURL(in); err != nil || got != want {
			t.Errorf("wsURL(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := wsURL("ftp://a"); err == nil {
		t.Error("wsURL accepted ftp scheme")
	}
}
