package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bdobrica/Hashi/internal/hashi/app"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
)

type fakeStatus struct {
	sessions int
	stats    relay.Stats
	pingErr  error
}

func (f *fakeStatus) Sessions(context.Context) (int, error) { return f.sessions, nil }
func (f *fakeStatus) Stats() relay.Stats                     { return f.stats }
func (f *fakeStatus) Ping(context.Context) error             { return f.pingErr }

func get(t *testing.T, hs http.Handler, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return w.Code, resp
}

func TestHealthServer_Health(t *testing.T) {
	code, resp := get(t, app.NewHealthServer("127.0.0.1:0", &fakeStatus{}), "/health")
	if code != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("health = %d %v", code, resp)
	}
}

func TestHealthServer_HealthDegraded(t *testing.T) {
	code, resp := get(t, app.NewHealthServer("127.0.0.1:0", &fakeStatus{pingErr: errors.New("db gone")}), "/health")
	if code != http.StatusServiceUnavailable || resp["status"] != "degraded" || resp["error"] != "db gone" {
		t.Errorf("health = %d %v", code, resp)
	}
}

func TestHealthServer_Status(t *testing.T) {
	src := &fakeStatus{sessions: 5, stats: relay.Stats{Handled: 7, Duplicates: 2}}
	code, resp := get(t, app.NewHealthServer("127.0.0.1:0", src), "/status")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if int(resp["sessions"].(float64)) != 5 {
		t.Errorf("sessions = %v", resp["sessions"])
	}
	r := resp["relay"].(map[string]any)
	if int(r["handled"].(float64)) != 7 || int(r["duplicates"].(float64)) != 2 {
		t.Errorf("relay = %v", r)
	}
}

func TestHealthServer_APITest(t *testing.T) {
	code, resp := get(t, app.NewHealthServer("127.0.0.1:0", nil), "/api/test")
	if code != http.StatusOK || resp["message"] != "API is working" {
		t.Errorf("api/test = %d %v", code, resp)
	}
}
