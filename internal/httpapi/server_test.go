package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"your.org/secretaria-backend/internal/auth"
	"your.org/secretaria-backend/internal/calendar"
	"your.org/secretaria-backend/internal/config"
	"your.org/secretaria-backend/internal/gateway"
	"your.org/secretaria-backend/internal/store"
	"your.org/secretaria-backend/internal/webhook"
	"your.org/secretaria-backend/internal/whatsapp"
)

const testToken = "good-token"

// fakeStore is an in-memory Store shared by the handler tests.
type fakeStore struct {
	mu           sync.Mutex
	integrations map[string]*store.Integration
	profiles     map[string]*store.Profile
	events       []*store.WebhookEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		integrations: map[string]*store.Integration{},
		profiles:     map[string]*store.Profile{},
	}
}

func (f *fakeStore) FindIntegration(_ context.Context, userID, provider string) (*store.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.integrations[userID+"|"+provider]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpsertIntegration(_ context.Context, rec *store.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.integrations[rec.UserID+"|"+rec.Provider] = &cp
	return nil
}

func (f *fakeStore) UpdateIntegration(_ context.Context, userID, provider string, fields store.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.integrations[userID+"|"+provider]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := fields["status"]; ok {
		rec.Status = store.Status(v.(string))
	}
	return nil
}

func (f *fakeStore) DeleteIntegration(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.integrations, userID+"|"+provider)
	return nil
}

func (f *fakeStore) UpsertProfile(_ context.Context, p *store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.profiles[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) InsertWebhookEvent(_ context.Context, ev *store.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeGateway answers the lifecycle manager for the handler tests.
type fakeGateway struct {
	mu    sync.Mutex
	state gateway.State
}

func (g *fakeGateway) CreateInstance(context.Context, string) error { return nil }
func (g *fakeGateway) ConnectionState(context.Context, string) (gateway.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, nil
}
func (g *fakeGateway) QRCode(context.Context, string) (string, error) { return "", nil }
func (g *fakeGateway) SendText(context.Context, string, string, string) (*gateway.SendAck, error) {
	ack := &gateway.SendAck{Status: "PENDING"}
	ack.Key.ID = "MSG1"
	return ack, nil
}
func (g *fakeGateway) Logout(context.Context, string) error { return nil }

// newAuthService fakes the GoTrue endpoints the handlers touch.
func newAuthService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "uid-1",
			"email": "maria@example.com",
		})
	})
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error_description": "Invalid login credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": testToken,
			"expires_in":   3600,
			"user":         map[string]any{"id": "uid-1", "email": "maria@example.com"},
		})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "uid-1",
			"email":         "maria@example.com",
			"user_metadata": map[string]any{"name": "Maria"},
		})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	handler http.Handler
	store   *fakeStore
	gw      *fakeGateway
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	authSrv := newAuthService(t)
	fs := newFakeStore()
	gw := &fakeGateway{state: gateway.StateConnecting}

	manager := whatsapp.NewManager(fs, gw, whatsapp.NewMemoryQRCache(), nil, "test")
	t.Cleanup(manager.Close)
	cal := calendar.NewClient("client-id", "client-secret", "https://app.example/callback", fs)
	cfg := &config.Config{HTTPAddr: ":0", WebhookAPIKey: "hook-secret"}
	pub := webhook.NewPublisher("", "")
	disp := &webhook.Dispatcher{WhatsApp: manager, Calendar: cal}

	srv := NewServer(cfg, auth.NewClient(authSrv.URL, "anon-key"), fs, manager, cal, pub, disp)
	return &testEnv{handler: srv.Handler(), store: fs, gw: gw, server: srv}
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string, extra map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v: %s", err, rr.Body.String())
		}
	}
	return rr, out
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/whatsapp/status",
		"/api/google/status",
		"/api/auth/verify",
	} {
		rr, out := doJSON(t, env.handler, http.MethodGet, path, "", "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", path, rr.Code)
		}
		if out["success"] != false {
			t.Errorf("%s envelope = %v", path, out)
		}
	}
	rr, _ := doJSON(t, env.handler, http.MethodGet, "/api/auth/verify", "bad-token", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: status = %d", rr.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/auth/register", "",
		`{"email":"maria@example.com","password":"s3cret","name":"Maria"}`, nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("register: %d %v", rr.Code, out)
	}
	if p, err := env.store.GetProfile(context.Background(), "uid-1"); err != nil || p.Name != "Maria" {
		t.Fatalf("profile not created: %v %+v", err, p)
	}

	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/auth/register", "",
		`{"email":"maria@example.com"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("register missing fields: %d %v", rr.Code, out)
	}

	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/auth/login", "",
		`{"email":"maria@example.com","password":"s3cret"}`, nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("login: %d %v", rr.Code, out)
	}
	session, _ := out["session"].(map[string]any)
	if session["access_token"] != testToken {
		t.Fatalf("session = %v", session)
	}
	user, _ := out["user"].(map[string]any)
	if user["name"] != "Maria" {
		t.Fatalf("user = %v", user)
	}

	rr, _ = doJSON(t, env.handler, http.MethodPost, "/api/auth/login", "",
		`{"email":"maria@example.com","password":"wrong"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials: status = %d", rr.Code)
	}
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	rr, out := doJSON(t, env.handler, http.MethodGet, "/api/auth/verify", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("verify: %d %v", rr.Code, out)
	}
	user, _ := out["user"].(map[string]any)
	if user["id"] != "uid-1" || user["name"] != "Maria" {
		t.Fatalf("user = %v", user)
	}
}

func TestWhatsAppConnectFlow(t *testing.T) {
	env := newTestEnv(t)

	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/connect", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("connect: %d %v", rr.Code, out)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "QR code") {
		t.Fatalf("message = %q", msg)
	}
	rec, err := env.store.FindIntegration(context.Background(), "uid-1", store.ProviderWhatsApp)
	if err != nil || rec.Status != store.StatusConnecting {
		t.Fatalf("record = %+v err = %v", rec, err)
	}

	// QR not cached yet: the handler answers 404.
	rr, out = doJSON(t, env.handler, http.MethodGet, "/api/whatsapp/qrcode", testToken, "", nil)
	if rr.Code != http.StatusNotFound || out["success"] != false {
		t.Fatalf("qrcode: %d %v", rr.Code, out)
	}

	rr, out = doJSON(t, env.handler, http.MethodGet, "/api/whatsapp/status", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("status: %d %v", rr.Code, out)
	}
	st, _ := out["status"].(map[string]any)
	if st["connected"] != false || st["status"] != string(store.StatusConnecting) {
		t.Fatalf("status payload = %v", st)
	}
}

func TestWhatsAppSend(t *testing.T) {
	env := newTestEnv(t)

	rr, _ := doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/send", testToken,
		`{"phone":"5511999990000"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing message: status = %d", rr.Code)
	}

	// No session: same-status envelope with success=false.
	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/send", testToken,
		`{"phone":"5511999990000","message":"hi"}`, nil)
	if rr.Code != http.StatusOK || out["success"] != false {
		t.Fatalf("send without session: %d %v", rr.Code, out)
	}

	env.gw.mu.Lock()
	env.gw.state = gateway.StateOpen
	env.gw.mu.Unlock()
	env.store.UpsertIntegration(context.Background(), &store.Integration{
		UserID: "uid-1", Provider: store.ProviderWhatsApp, InstanceName: "inst-1", Status: store.StatusConnected,
	})
	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/send", testToken,
		`{"phone":"+55 11 99999-0000","message":"hi"}`, nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("send: %d %v", rr.Code, out)
	}
	result, _ := out["result"].(map[string]any)
	if result["status"] != "PENDING" {
		t.Fatalf("result = %v", result)
	}
}

func TestWhatsAppDisconnect(t *testing.T) {
	env := newTestEnv(t)

	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/disconnect", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != false {
		t.Fatalf("disconnect without session: %d %v", rr.Code, out)
	}

	env.gw.mu.Lock()
	env.gw.state = gateway.StateOpen
	env.gw.mu.Unlock()
	env.store.UpsertIntegration(context.Background(), &store.Integration{
		UserID: "uid-1", Provider: store.ProviderWhatsApp, InstanceName: "inst-1", Status: store.StatusConnected,
	})
	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/whatsapp/disconnect", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("disconnect: %d %v", rr.Code, out)
	}
	if _, err := env.store.FindIntegration(context.Background(), "uid-1", store.ProviderWhatsApp); err == nil {
		t.Fatal("record still present after disconnect")
	}
}

func TestCalendarAuthURLAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rr, out := doJSON(t, env.handler, http.MethodGet, "/api/google/auth-url", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("auth-url: %d %v", rr.Code, out)
	}
	if u, _ := out["authUrl"].(string); !strings.Contains(u, "state=uid-1") {
		t.Fatalf("authUrl = %q", u)
	}

	rr, out = doJSON(t, env.handler, http.MethodGet, "/api/google/status", testToken, "", nil)
	if rr.Code != http.StatusOK || out["status"] != string(store.StatusDisconnected) {
		t.Fatalf("status: %d %v", rr.Code, out)
	}

	rr, _ = doJSON(t, env.handler, http.MethodPost, "/api/google/auth-callback", "",
		`{"code":"abc"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("callback missing state: status = %d", rr.Code)
	}
}

func TestCalendarListValidation(t *testing.T) {
	env := newTestEnv(t)
	rr, _ := doJSON(t, env.handler, http.MethodGet, "/api/google/events?maxResults=abc", testToken, "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad maxResults: status = %d", rr.Code)
	}
	// Without an integration record the not-connected envelope applies.
	rr, out := doJSON(t, env.handler, http.MethodGet, "/api/google/events", testToken, "", nil)
	if rr.Code != http.StatusOK || out["success"] != false {
		t.Fatalf("list without integration: %d %v", rr.Code, out)
	}
}

func webhookSig(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSecret(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event":"messages.upsert","data":{"key":"value"}}`

	rr, _ := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "", body, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", rr.Code)
	}
	rr, _ = doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "", body,
		map[string]string{"X-API-Key": "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", rr.Code)
	}

	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "", body,
		map[string]string{"X-API-Key": "hook-secret"})
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("valid key: %d %v", rr.Code, out)
	}
	if env.store.eventCount() != 1 {
		t.Fatalf("events persisted = %d, want 1", env.store.eventCount())
	}

	rr, _ = doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "", body,
		map[string]string{"X-API-Key": "hook-secret", "X-Hub-Signature-256": "sha256=deadbeef"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d", rr.Code)
	}
	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "", body,
		map[string]string{"X-API-Key": "hook-secret", "X-Hub-Signature-256": webhookSig(body, "hook-secret")})
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("good signature: %d %v", rr.Code, out)
	}
}

func TestWebhookEventValidation(t *testing.T) {
	env := newTestEnv(t)
	rr, _ := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/whatsapp", "",
		`{"event":"messages.upsert"}`,
		map[string]string{"X-API-Key": "hook-secret"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing data: status = %d", rr.Code)
	}
}

func TestWebhookAction(t *testing.T) {
	env := newTestEnv(t)
	key := map[string]string{"X-API-Key": "hook-secret"}

	rr, _ := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/n8n", "",
		`{"action":"launch_rockets","data":{}}`, key)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: status = %d", rr.Code)
	}

	// send_whatsapp for a user with no session: 200 with success=false.
	rr, out := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/n8n", "",
		`{"action":"send_whatsapp","data":{"user_id":"uid-1","phone":"5511999990000","message":"hi"}}`, key)
	if rr.Code != http.StatusOK || out["success"] != false {
		t.Fatalf("action without session: %d %v", rr.Code, out)
	}

	env.gw.mu.Lock()
	env.gw.state = gateway.StateOpen
	env.gw.mu.Unlock()
	env.store.UpsertIntegration(context.Background(), &store.Integration{
		UserID: "uid-1", Provider: store.ProviderWhatsApp, InstanceName: "inst-1", Status: store.StatusConnected,
	})
	rr, out = doJSON(t, env.handler, http.MethodPost, "/api/webhooks/n8n", "",
		`{"action":"send_whatsapp","data":{"user_id":"uid-1","phone":"5511999990000","message":"hi"}}`, key)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("action: %d %v", rr.Code, out)
	}
	if env.store.eventCount() != 1 {
		t.Fatalf("events persisted = %d, want 1", env.store.eventCount())
	}
}

// probeGet issues a bare GET; the probe endpoints answer plain text,
// not the JSON envelope.
func probeGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	if rr := probeGet(env.handler, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rr.Code)
	}
	// Before Start the service is not ready.
	if rr := probeGet(env.handler, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: status = %d", rr.Code)
	}
	env.server.ready = true
	rr := probeGet(env.handler, "/readyz")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz after start: status = %d", rr.Code)
	}
	if body := rr.Body.String(); body != "ready" {
		t.Fatalf("readyz body = %q", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr, out := doJSON(t, env.handler, http.MethodGet, "/api/nope", "", "", nil)
	if rr.Code != http.StatusNotFound || out["success"] != false {
		t.Fatalf("not found: %d %v", rr.Code, out)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	rr, _ := doJSON(t, env.handler, http.MethodPut, "/api/auth/profile", testToken,
		`{"name":""}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty name: status = %d", rr.Code)
	}
	rr, out := doJSON(t, env.handler, http.MethodPut, "/api/auth/profile", testToken,
		`{"name":"Maria Silva"}`, nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("update profile: %d %v", rr.Code, out)
	}
	p, err := env.store.GetProfile(context.Background(), "uid-1")
	if err != nil || p.Name != "Maria Silva" {
		t.Fatalf("profile = %+v err = %v", p, err)
	}
}
