package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/neonwatty/vibetunnel-sub006/internal/database"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

func newChiRequest(method, path string, params map[string]string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func setupStore(t *testing.T) *sessions.Store {
	t.Helper()
	Store = sessions.NewStore(nil)
	t.Cleanup(func() {
		Store.Close()
		Store = nil
	})
	return Store
}

func okChecker(context.Context, registry.Remote) error { return nil }

func setupHQ(t *testing.T) *registry.Registry {
	t.Helper()
	Registry = registry.New(registry.Options{Checker: okChecker})
	ProbeRemote = okChecker
	t.Cleanup(func() {
		Registry = nil
		ProbeRemote = nil
	})
	return Registry
}

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
	EventLog = database.NewEventLog(db)
	t.Cleanup(func() {
		database.Close()
		database.DB = nil
		EventLog = nil
	})
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}
