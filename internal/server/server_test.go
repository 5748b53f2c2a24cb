package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-live/internal/auth"
	"marketplace-live/internal/observability/metrics"
	"marketplace-live/internal/realtime"
)

const (
	testSecret      = "server-test-secret"
	testProducerKey = "producer-test-key"
)

type serverFixture struct {
	srv     *Server
	hub     *realtime.Hub
	issuer  *auth.Issuer
	metrics *metrics.Recorder
}

func newServerFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()

	hub, err := realtime.NewHub(realtime.Config{
		Replay:  realtime.NewMemoryReplayStore(),
		Retry:   realtime.NewMemoryRetryStore(),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })

	jwtConfig := auth.JWTConfig{Secret: testSecret}
	verifier, err := auth.NewJWTVerifier(jwtConfig)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	issuer, err := auth.NewIssuer(jwtConfig)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Hub:           hub,
		Authenticator: auth.NewAuthenticator(verifier, true),
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	hash, err := auth.HashProducerKey(testProducerKey)
	if err != nil {
		t.Fatalf("HashProducerKey: %v", err)
	}
	producerKey, err := auth.NewProducerKey(hash)
	if err != nil {
		t.Fatalf("NewProducerKey: %v", err)
	}

	cfg := Config{
		Addr:        "127.0.0.1:0",
		Hub:         hub,
		Gateway:     gateway,
		ProducerKey: producerKey,
		Logger:      logger,
		Metrics:     recorder,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &serverFixture{srv: srv, hub: hub, issuer: issuer, metrics: recorder}
}

func (f *serverFixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func producerHeader() http.Header {
	return http.Header{
		"Content-Type":    []string{"application/json"},
		producerKeyHeader: []string{testProducerKey},
	}
}

func TestNewRequiresHubAndGateway(t *testing.T) {
	t.Parallel()

	if srv, err := New(Config{}); err == nil {
		t.Fatalf("expected error when hub is nil, got server: %#v", srv)
	}
	hub, err := realtime.NewHub(realtime.Config{
		Replay: realtime.NewMemoryReplayStore(),
		Retry:  realtime.NewMemoryRetryStore(),
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	if srv, err := New(Config{Hub: hub}); err == nil {
		t.Fatalf("expected error when gateway is nil, got server: %#v", srv)
	}
}

func TestHealthReportsConnectionsAndStoreFailures(t *testing.T) {
	healthy := true
	fixture := newServerFixture(t, func(cfg *Config) {
		cfg.Health = func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("redis: connection refused")
		}
	})

	rec := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Connections != 0 {
		t.Fatalf("unexpected health response %+v", resp)
	}

	healthy = false
	rec = fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("health response leaked store error: %s", rec.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.do(t, http.MethodGet, "/healthz", "", nil)

	rec := fixture.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("expected request metrics in output")
	}
}

func TestProducerRoutesRequireKey(t *testing.T) {
	fixture := newServerFixture(t, nil)
	body := `{"entityType":"product","entityId":"p1","payload":{"price":10}}`

	for name, header := range map[string]http.Header{
		"missing": {"Content-Type": []string{"application/json"}},
		"wrong":   {producerKeyHeader: []string{"nope"}},
	} {
		rec := fixture.do(t, http.MethodPost, "/v1/updates", body, header)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s key: expected 401, got %d", name, rec.Code)
		}
	}
	records, err := fixture.hub.OfflineUpdates(context.Background(), "product", "p1")
	if err != nil {
		t.Fatalf("OfflineUpdates: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("unauthorised publish was stored: %d records", len(records))
	}
}

func TestProducerRoutesUnmountedWithoutKey(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) { cfg.ProducerKey = nil })
	rec := fixture.do(t, http.MethodPost, "/v1/updates", `{}`, producerHeader())
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected producer API to be absent, got %d", rec.Code)
	}
}

func TestPublishAndReadOfflineUpdates(t *testing.T) {
	fixture := newServerFixture(t, nil)

	for _, price := range []int{10, 12} {
		body, _ := json.Marshal(map[string]any{
			"entityType": "product",
			"entityId":   "p1",
			"payload":    map[string]int{"price": price},
		})
		rec := fixture.do(t, http.MethodPost, "/v1/updates", string(body), producerHeader())
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := fixture.do(t, http.MethodGet, "/v1/updates/product/p1", "", producerHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Records []realtime.ReplayRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("expected two records, got %d", len(resp.Records))
	}
	var latest map[string]int
	if err := json.Unmarshal(resp.Records[0].Event.Payload, &latest); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if latest["price"] != 12 {
		t.Fatalf("expected most recent record first, got %v", latest)
	}

	rec = fixture.do(t, http.MethodGet, "/v1/updates/booking/none", "", producerHeader())
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"records":[]`) {
		t.Fatalf("expected empty records array, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPublishRejectsInvalidRequests(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) { cfg.MaxPublishBytes = 256 })

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed", body: `{"entityType":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"entityType":"product","entityId":"p1","payload":{},"extra":1}`, status: http.StatusBadRequest},
		{name: "unknown entity type", body: `{"entityType":"invoice","entityId":"i1","payload":{}}`, status: http.StatusBadRequest},
		{name: "empty id", body: `{"entityType":"product","entityId":"","payload":{}}`, status: http.StatusBadRequest},
		{name: "missing payload", body: `{"entityType":"product","entityId":"p1"}`, status: http.StatusBadRequest},
		{name: "too large", body: `{"entityType":"product","entityId":"p1","payload":"` + strings.Repeat("x", 512) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := fixture.do(t, http.MethodPost, "/v1/updates", tc.body, producerHeader())
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := fixture.do(t, http.MethodGet, "/v1/updates/invoice/i1", "", producerHeader())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity type, got %d", rec.Code)
	}
}

func TestCORSPreflightAllowsConfiguredOrigins(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://shop.example.com"}
	})

	header := http.Header{
		"Origin":                         []string{"https://shop.example.com"},
		"Access-Control-Request-Method":  []string{http.MethodPost},
		"Access-Control-Request-Headers": []string{producerKeyHeader},
	}
	rec := fixture.do(t, http.MethodOptions, "/v1/updates", "", header)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Fatalf("expected allowed origin to be echoed, got %q", got)
	}

	header.Set("Origin", "https://evil.example.com")
	rec = fixture.do(t, http.MethodOptions, "/v1/updates", "", header)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected foreign origin to be refused, got %q", got)
	}
}

func TestWebsocketReceivesPublishedUpdates(t *testing.T) {
	fixture := newServerFixture(t, nil)
	ts := httptest.NewServer(fixture.srv.Handler())
	t.Cleanup(ts.Close)

	token, err := fixture.issuer.Issue(auth.Identity{UserID: "buyer-1", Role: "buyer"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(map[string]string{"type": "join", "id": "1", "entityType": "booking", "entityId": "b7"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "ack" || ack["success"] != true {
		t.Fatalf("unexpected ack %v", ack)
	}

	body := `{"entityType":"booking","entityId":"b7","payload":{"status":"confirmed"}}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/updates", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header = producerHeader()
	publishResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	publishResp.Body.Close()
	if publishResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", publishResp.StatusCode)
	}

	var update struct {
		Type  string               `json:"type"`
		Event realtime.UpdateEvent `json:"event"`
	}
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "update" || update.Event.EntityType != "booking" || update.Event.EntityID != "b7" {
		t.Fatalf("unexpected update %+v", update)
	}
	if !strings.Contains(string(update.Event.Payload), "confirmed") {
		t.Fatalf("unexpected payload %s", update.Event.Payload)
	}
}

func TestWebsocketHandshakesAreRateLimited(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{HandshakeRate: 1, HandshakeBurst: 2}
	})

	var codes []int
	for i := 0; i < 3; i++ {
		rec := fixture.do(t, http.MethodGet, "/ws", "", nil)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized {
		t.Fatalf("expected first handshakes to reach the gateway, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third handshake to be limited, got %v", codes)
	}
}

func TestShutdownClosesWebsocketsWithGoingAway(t *testing.T) {
	fixture := newServerFixture(t, nil)
	httpServer := fixture.srv.HTTPServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = httpServer.Serve(ln) }()

	token, err := fixture.issuer.Issue(auth.Identity{UserID: "buyer-2", Role: "buyer"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for !fixture.hub.Registry().IsOnline("buyer-2") {
		if time.Now().After(deadline) {
			t.Fatal("connection was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected close 1001 on shutdown, got %v", err)
	}
}
