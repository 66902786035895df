package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "graylogic"
)

var testJWT = config.JWTConfig{Secret: testSecret, Issuer: testIssuer}

type testEnv struct {
	srv      *Server
	router   http.Handler
	engine   *mockEngine
	items    *mockItems
	registry *prometheus.Registry
	token    string
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testRules() []automation.RuleInfo {
	return []automation.RuleInfo{
		{UID: "hall-motion", Name: "Hall motion", RuleSet: "hall", Tags: []string{"lighting"}, Enabled: true, Firings: 4},
		{UID: "night-mode", Name: "Night mode", RuleSet: "house", Enabled: true},
		{UID: "holiday", Name: "Holiday lights", RuleSet: "house", Tags: []string{"lighting"}, Enabled: false},
	}
}

func testItemList() []item.Item {
	return []item.Item{
		{Name: "Lights", Type: item.TypeGroup},
		{Name: "Hall_Light", Type: item.TypeSwitch, Protocol: "knx", Groups: []string{"Lights"}, State: item.OFF},
		{Name: "Door", Type: item.TypeContact, State: item.CLOSED},
		{Name: "Temp", Type: item.TypeNumber, State: item.Number(21.5)},
	}
}

// testServer creates a Server backed by mocks with a running hub.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		engine:   newMockEngine(testRules()...),
		items:    newMockItems(testItemList()...),
		registry: prometheus.NewRegistry(),
	}

	log := testLogger()
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: testJWT},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   log,
		Engine:   env.engine,
		Items:    env.items,
		Bus:      mockBus{connected: true},
		Gatherer: env.registry,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(ctx)

	env.srv = srv
	env.router = srv.buildRouter()
	env.token = testToken(t, "tester")
	return env
}

func testToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := IssueToken(testJWT, subject, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	return token
}

// do sends a request through the router. An empty token sends no
// Authorization header.
func (e *testEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e Error
	decodeBody(t, w, &e)
	return e.Code
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiredDeps(t *testing.T) {
	log := testLogger()
	eng := newMockEngine()
	items := newMockItems()
	sec := config.SecurityConfig{JWT: testJWT}

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Engine: eng, Items: items, Security: sec}},
		{"no engine", Deps{Logger: log, Items: items, Security: sec}},
		{"no items", Deps{Logger: log, Engine: eng, Security: sec}},
		{"no secret", Deps{Logger: log, Engine: eng, Items: items}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	srv, err := New(Deps{Logger: log, Engine: eng, Items: items, Security: sec})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.gatherer != prometheus.DefaultGatherer {
		t.Error("gatherer should default to prometheus.DefaultGatherer")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["rule_sets"] != float64(2) {
		t.Errorf("rule_sets = %v, want 2", resp["rule_sets"])
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/health", "", "")
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID", w.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name     string
		sent     string
		keepSent bool
	}{
		{"client id kept", "client-id-123", true},
		{"oversized id replaced", strings.Repeat("x", maxRequestIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			req.Header.Set("X-Request-ID", tt.sent)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			if got := w.Header().Get("X-Request-ID"); (got == tt.sent) != tt.keepSent {
				t.Errorf("X-Request-ID = %q, keep sent = %v", got, tt.keepSent)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rules", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := testServer(t)
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://admin.local"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/nonexistent", "", env.token)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	return s
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	env := testServer(t)
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "tester",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dGVzdDp0ZXN0"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signed(t, jwt.SigningMethodHS256, []byte("other-secret"), valid)},
		{"wrong algorithm", "Bearer " + signed(t, jwt.SigningMethodHS512, []byte(testSecret), valid)},
		{"expired", "Bearer " + signed(t, jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{"no expiry", "Bearer " + signed(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"wrong issuer", "Bearer " + signed(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if code := errorCode(t, w); code != ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", code, ErrCodeUnauthorized)
			}
		})
	}
}

func TestAuth_AcceptsIssuedToken(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodGet, "/api/v1/rules", "", env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	// Lowercase scheme is accepted too.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/timers", nil)
	req.Header.Set("Authorization", "bearer "+env.token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("lowercase scheme status = %d, want 200", w.Code)
	}
}

func TestAuth_IssuerOptional(t *testing.T) {
	env := testServer(t)
	env.srv.secCfg.JWT.Issuer = ""

	token, err := IssueToken(config.JWTConfig{Secret: testSecret}, "tester", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	if w := env.do(http.MethodGet, "/api/v1/rules", "", token); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestIssueToken_Errors(t *testing.T) {
	if _, err := IssueToken(config.JWTConfig{}, "x", time.Hour); err == nil {
		t.Error("IssueToken() without secret should fail")
	}
	if _, err := IssueToken(testJWT, "x", 0); err == nil {
		t.Error("IssueToken() with zero ttl should fail")
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t)

	w := env.do(http.MethodPost, "/api/v1/auth/ws-ticket", "", env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want 200", w.Code)
	}
	var resp struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Ticket) != ticketBytes*2 {
		t.Fatalf("ticket = %q, want %d hex chars", resp.Ticket, ticketBytes*2)
	}
	if resp.ExpiresIn != int(ticketTTL.Seconds()) {
		t.Errorf("expires_in = %d", resp.ExpiresIn)
	}

	entry, ok := env.srv.tickets.consume(resp.Ticket)
	if !ok {
		t.Fatal("first consume should succeed")
	}
	if entry.subject != "tester" {
		t.Errorf("ticket subject = %q, want tester", entry.subject)
	}
	if _, ok := env.srv.tickets.consume(resp.Ticket); ok {
		t.Error("second consume should fail")
	}
}

func TestWSTicket_RequiresAuth(t *testing.T) {
	env := testServer(t)
	if w := env.do(http.MethodPost, "/api/v1/auth/ws-ticket", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	ts.tickets["old"] = ticketEntry{subject: "a", expiresAt: time.Now().Add(-time.Second)}
	ts.tickets["stale"] = ticketEntry{subject: "b", expiresAt: time.Now().Add(-time.Second)}
	fresh := ts.issue("c")

	if _, ok := ts.consume("old"); ok {
		t.Error("expired ticket should be rejected")
	}
	if _, ok := ts.tickets["old"]; ok {
		t.Error("expired ticket should be removed on consume")
	}

	ts.clean()
	if _, ok := ts.tickets["stale"]; ok {
		t.Error("clean() should remove expired tickets")
	}
	if _, ok := ts.tickets[fresh]; !ok {
		t.Error("clean() should keep valid tickets")
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestSystemMetrics(t *testing.T) {
	env := testServer(t)
	env.engine.timers = []timer.Info{
		{ID: "t1", Scope: "hall", State: "scheduled"},
		{Scope: "hall", State: "scheduled"},
		{ID: "t3", Scope: "timed-commands", State: "scheduled"},
	}

	w := env.do(http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decodeBody(t, w, &m)

	if m.Version != "test" {
		t.Errorf("version = %q", m.Version)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines should be > 0")
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v, want connected", m.MQTT)
	}
	want := RuleMetrics{RuleSets: 2, Total: 3, Enabled: 2, Firings: 4}
	if m.Rules != want {
		t.Errorf("rules = %+v, want %+v", m.Rules, want)
	}
	if m.Timers.Scheduled != 3 || m.Timers.ByScope["hall"] != 2 {
		t.Errorf("timers = %+v", m.Timers)
	}
	if m.Items.Total != 4 || m.Items.ByType[string(item.TypeSwitch)] != 1 {
		t.Errorf("items = %+v", m.Items)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := testServer(t)
	metrics := automation.NewMetrics("graylogic_rules", env.registry, nil)
	metrics.SetRulesLoaded(3)

	w := env.do(http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "graylogic_rules_rules_loaded 3") {
		t.Errorf("scrape output missing rules_loaded gauge:\n%s", w.Body.String())
	}
}

func TestPrometheusEndpoint_Disabled(t *testing.T) {
	env := testServer(t)
	env.srv.metricsCfg.Enabled = false
	env.router = env.srv.buildRouter()

	if w := env.do(http.MethodGet, "/metrics", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t)
	env.srv.hub = nil

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if env.srv.Hub() == nil {
		t.Error("Start() should create a hub")
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	env := testServer(t)
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error: %v", err)
	}
}

func TestServer_ExternalHub(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	srv, err := New(Deps{
		Logger:      testLogger(),
		Engine:      newMockEngine(),
		Items:       newMockItems(),
		Security:    config.SecurityConfig{JWT: testJWT},
		ExternalHub: hub,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.Hub() != hub || !srv.externalHub {
		t.Error("server should use the injected hub")
	}
}
