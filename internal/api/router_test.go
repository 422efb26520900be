package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/firebot-tibia/firebot-monitor/internal/auth"
	"github.com/firebot-tibia/firebot-monitor/internal/backend"
	"github.com/firebot-tibia/firebot-monitor/internal/config"
	"github.com/firebot-tibia/firebot-monitor/internal/credential"
	"github.com/firebot-tibia/firebot-monitor/internal/monitor"
	"github.com/firebot-tibia/firebot-monitor/internal/storage"
)

const testPasscode = "correct-horse"

// newTestServer builds a router over a real store and an idle pipeline.
// The feed client is never started, so no network traffic happens.
func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	creds := credential.NewProvider("", "", nil, nil)
	bc := backend.NewClient("http://127.0.0.1:0", "guild", time.Second)
	manager := monitor.NewManager(cfg, store, creds, bc, nil)

	hash, err := auth.HashPasscode(testPasscode)
	if err != nil {
		t.Fatalf("HashPasscode: %v", err)
	}
	authService := auth.NewService("test-secret", hash, time.Hour)

	srv := httptest.NewServer(NewRouter(manager, authService, ""))
	t.Cleanup(srv.Close)

	token := loginToken(t, srv)
	return srv, token
}

func loginToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", strings.NewReader(`{"passcode":"`+testPasscode+`"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("empty session token")
	}
	return body.Token
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestLoginRejectsWrongPasscode(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", strings.NewReader(`{"passcode":"nope"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	srv, token := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rules", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules", "bogus-token", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules", token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", resp.StatusCode)
	}
}

func TestRuleLifecycle(t *testing.T) {
	srv, token := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", token, `{"time_range_minutes":5,"threshold":3,"channel":"voice"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding created rule: %v", err)
	}
	resp.Body.Close()
	if created.ID == "" {
		t.Fatal("created rule has no id")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules", token, "")
	var list struct {
		Rules []struct {
			ID        string `json:"id"`
			Threshold int    `json:"threshold"`
			Enabled   bool   `json:"enabled"`
		} `json:"rules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding rule list: %v", err)
	}
	resp.Body.Close()
	if len(list.Rules) != 1 || list.Rules[0].ID != created.ID || list.Rules[0].Threshold != 3 {
		t.Fatalf("unexpected rule list: %+v", list.Rules)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/rules/"+created.ID, token, `{"enabled":false}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("patch: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/rules/"+created.ID, token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/rules/"+created.ID, token, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing: expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	srv, token := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", token, `{"time_range_minutes":0,"threshold":3,"channel":"sound"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/roster", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestUnknownCharacterReturns404(t *testing.T) {
	srv, token := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/players", token, `{"name":"Ghost","classification":"main"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
