package bootstrap

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository/memory"
)

const (
	testTokenSecret    = "token-secret-0123456789abcdef0123456789"
	testOperatorSecret = "operator-secret-0123456789abcdef01234567"
	deviceIP           = "10.0.0.5"
)

func newTestBootstrap(t *testing.T, requirePairing bool) (*Bootstrap, *memory.Store) {
	t.Helper()
	return newTestBootstrapWith(t, func(cfg *Config) { cfg.RequirePairing = requirePairing })
}

func newTestBootstrapWith(t *testing.T, configure func(*Config)) (*Bootstrap, *memory.Store) {
	t.Helper()
	store := memory.New()
	stores := MemoryStores(store)
	cfg := Config{
		Stores:             &stores,
		TokenSecret:        testTokenSecret,
		OperatorJWTSecret:  testOperatorSecret,
		TrustForwardedFor:  true,
		FingerprintEnabled: true,
		EnableMetrics:      true,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	configure(&cfg)
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b, store
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c *client) do(method, path, ip, bearer string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", "bootstrap-test")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	var resp map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	}
	return rr.Code, resp
}

func operatorToken(t *testing.T, b *Bootstrap) string {
	t.Helper()
	token, err := b.IssueOperatorToken("op-1", 0)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}
	return token
}

// enroll registers a host and issues it an initial token through the operator API.
func enroll(t *testing.T, c *client, op, hostname string) (hostID, initialToken string) {
	t.Helper()
	status, resp := c.do(http.MethodPost, "/bootstrap/hosts", "192.168.1.10", op, map[string]string{"hostname": hostname})
	if status != http.StatusCreated {
		t.Fatalf("register host status = %d, body = %v", status, resp)
	}
	hostID = resp["id"].(string)

	status, resp = c.do(http.MethodPost, "/bootstrap/token", "192.168.1.10", op, map[string]any{"host_id": hostID})
	if status != http.StatusCreated {
		t.Fatalf("issue token status = %d, body = %v", status, resp)
	}
	return hostID, resp["token"].(string)
}

func TestNew_Validation(t *testing.T) {
	stores := MemoryStores(memory.New())
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "no store",
			cfg:     Config{TokenSecret: testTokenSecret, OperatorJWTSecret: testOperatorSecret},
			wantErr: "DB or Stores is required",
		},
		{
			name:    "missing token secret",
			cfg:     Config{Stores: &stores, OperatorJWTSecret: testOperatorSecret},
			wantErr: "TokenSecret is required",
		},
		{
			name:    "short operator secret",
			cfg:     Config{Stores: &stores, TokenSecret: testTokenSecret, OperatorJWTSecret: "short"},
			wantErr: "OperatorJWTSecret must be at least",
		},
		{
			name:    "shared secret",
			cfg:     Config{Stores: &stores, TokenSecret: testTokenSecret, OperatorJWTSecret: testTokenSecret},
			wantErr: "must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRouter_DeviceLifecycle(t *testing.T) {
	b, store := newTestBootstrap(t, false)
	c := &client{t: t, handler: b.Router()}
	op := operatorToken(t, b)

	hostID, initial := enroll(t, c, op, "Node-1.example.com")

	status, resp := c.do(http.MethodPost, "/api/session", deviceIP, initial, nil)
	if status != http.StatusOK {
		t.Fatalf("create session status = %d, body = %v", status, resp)
	}
	session := resp["session_token"].(string)
	if session == initial {
		t.Fatal("session token must differ from the initial token")
	}

	// The initial token is single use.
	if status, _ := c.do(http.MethodPost, "/api/session", deviceIP, initial, nil); status != http.StatusUnauthorized {
		t.Errorf("reused initial token status = %d, want %d", status, http.StatusUnauthorized)
	}

	status, resp = c.do(http.MethodGet, "/api/whoami", deviceIP, session, nil)
	if status != http.StatusOK {
		t.Fatalf("whoami status = %d, body = %v", status, resp)
	}
	if resp["host_id"] != hostID || resp["bound_ip"] != deviceIP {
		t.Errorf("whoami = %v, want host %s bound to %s", resp, hostID, deviceIP)
	}

	status, resp = c.do(http.MethodPost, "/api/session/exchange", deviceIP, session, nil)
	if status != http.StatusOK {
		t.Fatalf("exchange status = %d, body = %v", status, resp)
	}
	if resp["session_token"] != session {
		t.Error("exchange should extend the same session token")
	}

	status, resp = c.do(http.MethodGet, "/api/whoami", "10.0.0.99", session, nil)
	if status != http.StatusForbidden || resp["error"] != "IP mismatch" {
		t.Errorf("whoami from another IP = %d %v, want 403 IP mismatch", status, resp)
	}

	status, resp = c.do(http.MethodGet, "/bootstrap/hosts/"+hostID, "192.168.1.10", op, nil)
	if status != http.StatusOK || resp["init_status"] != string(domain.HostInitReady) {
		t.Errorf("host after session = %d %v, want init_status %q", status, resp, domain.HostInitReady)
	}

	if status, _ := c.do(http.MethodDelete, "/api/session", deviceIP, session, nil); status != http.StatusOK {
		t.Errorf("revoke status = %d, want %d", status, http.StatusOK)
	}
	status, resp = c.do(http.MethodGet, "/api/whoami", deviceIP, session, nil)
	if status != http.StatusForbidden || resp["error"] != "invalid or expired session" {
		t.Errorf("whoami after revoke = %d %v, want 403", status, resp)
	}
	// Revoking twice still succeeds.
	if status, _ := c.do(http.MethodDelete, "/api/session", deviceIP, session, nil); status != http.StatusOK {
		t.Errorf("second revoke status = %d, want %d", status, http.StatusOK)
	}

	kinds := map[domain.EventKind]int{}
	for _, e := range store.RecordedEvents() {
		kinds[e.Kind]++
	}
	for _, kind := range []domain.EventKind{
		domain.EventHostRegistered, domain.EventTokenIssued, domain.EventSessionCreated,
		domain.EventSessionExchanged, domain.EventIPMismatch, domain.EventSessionRevoked,
	} {
		if kinds[kind] == 0 {
			t.Errorf("no %s event recorded", kind)
		}
	}
}

func TestRouter_RequirePairing(t *testing.T) {
	b, _ := newTestBootstrap(t, true)
	c := &client{t: t, handler: b.Router()}
	op := operatorToken(t, b)

	hostID, initial := enroll(t, c, op, "node-2")

	status, resp := c.do(http.MethodPost, "/api/session", deviceIP, initial, nil)
	if status != http.StatusForbidden || resp["error"] != "pairing required" {
		t.Fatalf("unpaired session = %d %v, want 403 pairing required", status, resp)
	}

	status, resp = c.do(http.MethodPost, "/bootstrap/pairing-code", "192.168.1.10", op, map[string]string{"host_id": hostID})
	if status != http.StatusOK {
		t.Fatalf("pairing code status = %d, body = %v", status, resp)
	}
	code := resp["code"].(string)
	if len(code) != 6 {
		t.Errorf("pairing code %q should have 6 digits", code)
	}

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	status, _ = c.do(http.MethodPost, "/bootstrap/pairing-code/verify", deviceIP, "", map[string]string{"host_id": hostID, "code": wrong})
	if status != http.StatusUnauthorized {
		t.Errorf("wrong code status = %d, want %d", status, http.StatusUnauthorized)
	}

	status, resp = c.do(http.MethodPost, "/bootstrap/pairing-code/verify", deviceIP, "", map[string]string{"host_id": hostID, "code": code})
	if status != http.StatusOK || resp["verified"] != true {
		t.Fatalf("verify = %d %v, want verified", status, resp)
	}

	status, resp = c.do(http.MethodGet, "/bootstrap/pairing-status?host_id="+hostID, deviceIP, "", nil)
	if status != http.StatusOK || resp["status"] != string(domain.TokenStatusPaired) {
		t.Errorf("pairing status = %d %v, want paired", status, resp)
	}

	if status, resp := c.do(http.MethodPost, "/api/session", deviceIP, initial, nil); status != http.StatusOK {
		t.Fatalf("paired session status = %d, body = %v", status, resp)
	}
}

func TestRouter_OperatorAuthRequired(t *testing.T) {
	b, _ := newTestBootstrap(t, false)
	c := &client{t: t, handler: b.Router()}

	status, _ := c.do(http.MethodPost, "/bootstrap/hosts", "192.168.1.10", "", map[string]string{"hostname": "node-1"})
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", status, http.StatusUnauthorized)
	}

	// A device session token is not an operator credential.
	status, _ = c.do(http.MethodGet, "/bootstrap/tokens", "192.168.1.10", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	b, _ := newTestBootstrap(t, false)
	c := &client{t: t, handler: b.Router()}

	if status, resp := c.do(http.MethodGet, "/health", deviceIP, "", nil); status != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("health = %d %v", status, resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	b.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bootstrap_tokens_issued_total") {
		t.Error("metrics output should include bootstrap counters")
	}
}

func TestSessionMiddleware(t *testing.T) {
	b, _ := newTestBootstrap(t, false)
	op := operatorToken(t, b)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(b.SessionMiddleware())
		r.Get("/device/config", func(w http.ResponseWriter, r *http.Request) {
			hostID, ok := HostIDFromContext(r.Context())
			if !ok {
				http.Error(w, "no host", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"host_id": hostID.String()})
		})
	})

	api := &client{t: t, handler: b.Router()}
	hostID, initial := enroll(t, api, op, "node-3")
	_, resp := api.do(http.MethodPost, "/api/session", deviceIP, initial, nil)
	session := resp["session_token"].(string)

	app := &client{t: t, handler: r}
	if status, _ := app.do(http.MethodGet, "/device/config", deviceIP, "", nil); status != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want %d", status, http.StatusUnauthorized)
	}
	status, resp := app.do(http.MethodGet, "/device/config", deviceIP, session, nil)
	if status != http.StatusOK || resp["host_id"] != hostID {
		t.Errorf("device config = %d %v, want host %s", status, resp, hostID)
	}
}

func TestRouter_OperatorConsoleSession(t *testing.T) {
	b, _ := newTestBootstrap(t, false)
	handler := b.Router()
	op := operatorToken(t, b)

	req := httptest.NewRequest(http.MethodPost, "/bootstrap/operator/session", nil)
	req.Header.Set("Authorization", "Bearer "+op)
	req.Header.Set("X-Forwarded-For", "192.168.1.10")
	req.Header.Set("User-Agent", "console")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rr.Code, rr.Body.String())
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}

	cookieRequest := func(method, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/bootstrap/tokens", nil)
		if method == http.MethodDelete {
			req = httptest.NewRequest(method, "/bootstrap/operator/session", nil)
		}
		req.AddCookie(cookies[0])
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("User-Agent", "console")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := cookieRequest(http.MethodGet, "192.168.1.10"); rr.Code != http.StatusOK {
		t.Fatalf("list tokens via cookie status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if rr := cookieRequest(http.MethodDelete, "192.168.1.10"); rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", rr.Code, rr.Body.String())
	}
	rr = cookieRequest(http.MethodGet, "192.168.1.10")
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "session terminated") {
		t.Errorf("after logout = %d %s, want 401 session terminated", rr.Code, rr.Body.String())
	}
}

func TestRouter_OperatorLogoutWithoutFingerprinting(t *testing.T) {
	b, _ := newTestBootstrapWith(t, func(cfg *Config) { cfg.FingerprintEnabled = false })
	c := &client{t: t, handler: b.Router()}
	op := operatorToken(t, b)

	if status, resp := c.do(http.MethodPost, "/bootstrap/operator/session", "192.168.1.10", op, nil); status != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", status, resp)
	}
	// Fingerprinting is off, so a different client is accepted.
	if status, _ := c.do(http.MethodGet, "/bootstrap/tokens", "203.0.113.7", op, nil); status != http.StatusOK {
		t.Fatalf("list tokens from another IP status = %d, want %d", status, http.StatusOK)
	}
	if status, resp := c.do(http.MethodDelete, "/bootstrap/operator/session", "192.168.1.10", op, nil); status != http.StatusOK || resp["status"] != "logged out" {
		t.Fatalf("logout = %d %v", status, resp)
	}

	status, resp := c.do(http.MethodPost, "/bootstrap/hosts", "192.168.1.10", op, map[string]string{"hostname": "after-logout"})
	if status != http.StatusUnauthorized || resp["error"] != "session terminated" {
		t.Errorf("register host after logout = %d %v, want 401 session terminated", status, resp)
	}
}

func TestRouter_OperatorFingerprintMismatch(t *testing.T) {
	b, store := newTestBootstrap(t, false)
	c := &client{t: t, handler: b.Router()}
	op := operatorToken(t, b)

	if status, _ := c.do(http.MethodGet, "/bootstrap/tokens", "192.168.1.10", op, nil); status != http.StatusOK {
		t.Fatalf("first request status = %d", status)
	}
	status, resp := c.do(http.MethodGet, "/bootstrap/tokens", "203.0.113.7", op, nil)
	if status != http.StatusUnauthorized || resp["error"] != "session terminated" {
		t.Errorf("hijacked request = %d %v, want 401 session terminated", status, resp)
	}
	// The legitimate client is cut off too.
	if status, _ := c.do(http.MethodGet, "/bootstrap/tokens", "192.168.1.10", op, nil); status != http.StatusUnauthorized {
		t.Errorf("original client status = %d, want %d", status, http.StatusUnauthorized)
	}

	found := false
	for _, e := range store.RecordedEvents() {
		if e.Kind == domain.EventFingerprintMismatch && e.Severity == domain.SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Error("fingerprint_mismatch event not recorded")
	}
}
