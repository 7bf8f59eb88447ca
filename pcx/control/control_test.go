package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"proxychains/pcx/audit"
	"proxychains/pcx/bridge"
	"proxychains/pcx/events"
	"proxychains/pcx/proxycfg"
	"proxychains/pcx/registry"
)

func newTestServer(t *testing.T, password string) (*Server, *httptest.Server) {
	t.Helper()
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("GenerateFromPassword: %v", err)
		}
		hash = string(h)
	}

	reg := &registry.Registry{}
	s := New(reg, audit.NoopLedger{}, events.NewHub(), proxycfg.ControlConfig{
		Enabled:           true,
		AdminPasswordHash: hash,
		JWTSecret:         "test-secret",
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	_, srv := newTestServer(t, "hunter2")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestAdminRoutesRejectMissingToken(t *testing.T) {
	_, srv := newTestServer(t, "hunter2")
	resp, err := http.Get(srv.URL + "/admin/bridges")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestLoginThenListBridges(t *testing.T) {
	s, srv := newTestServer(t, "hunter2")

	b := bridge.New(11, netip.MustParseAddrPort("93.184.216.34:443"))
	s.Registry.Insert(11, b)
	defer b.Close()

	body, _ := json.Marshal(map[string]string{"password": "hunter2"})
	resp, err := http.Post(srv.URL+"/admin/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loginResp.Token == "" {
		t.Fatal("expected a token")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/admin/bridges", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Token)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("bridges status: %d", resp2.StatusCode)
	}

	var out struct {
		Bridges []bridgeView `json:"bridges"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Bridges) != 1 || out.Bridges[0].FD != 11 {
		t.Fatalf("got %+v", out.Bridges)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	_, srv := newTestServer(t, "hunter2")
	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	resp, err := http.Post(srv.URL+"/admin/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}
