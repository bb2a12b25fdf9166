package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniallc-1994/TaskUp/internal/config"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/security"
	"github.com/daniallc-1994/TaskUp/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "internal-test-token"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		StripeWebhookSecret: "whsec_test",
		WebhookTolerance:    config.DefaultWebhookTolerance,
		ProcessorTimeout:    config.DefaultProcessorTimeout,
		BreakerThreshold:    config.DefaultBreakerThreshold,
		BreakerCooldown:     config.DefaultBreakerCooldown,
		DefaultCurrency:     "NOK",
		InternalAPIToken:    testToken,
		ReconcileInterval:   config.DefaultReconcileInterval,
	}
}

// newTestServer creates a server on an in-memory store and the null processor
func newTestServer(t *testing.T) (*Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	s, err := New(testConfig(),
		WithStore(store),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, store
}

func call(s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(security.TokenHeader, token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(s, "GET", "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("Expected ledger and processor checks, got %+v", resp.Checks)
	}
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t)

	if w := call(s, "GET", "/health/live", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	// Run() has not been called so the server is not ready
	if w := call(s, "GET", "/health/ready", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"POST:/v1/escrow/hold",
		"GET:/v1/payments/:id",
		"POST:/v1/payments/:id/release",
		"POST:/v1/payments/:id/refund",
		"POST:/v1/payments/:id/split",
		"GET:/v1/wallets/:owner",
		"GET:/v1/wallets/:owner/transactions",
		"POST:/v1/disputes",
		"POST:/v1/disputes/:id/resolve",
		"POST:/v1/webhooks/stripe",
		"GET:/internal/reconciliation",
		"POST:/internal/reconciliation/run",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Token guard
// ---------------------------------------------------------------------------

func TestInternalTokenGuardsAPIButNotWebhooks(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(s, "GET", "/v1/wallets/client_1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)

	w = call(s, "GET", "/internal/reconciliation", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The webhook route is reached without a token and fails on its signature.
	w = call(s, "POST", "/v1/webhooks/stripe", map[string]string{"id": "evt_1"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"invalid_signature"`)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestHoldReleaseAndReconcile(t *testing.T) {
	s, store := newTestServer(t)
	testutil.Fund(t, store, "client_1", 10000)

	w := call(s, "POST", "/v1/escrow/hold", map[string]any{
		"payerId": "client_1", "payeeId": "tasker_1", "taskId": "task_1", "offerId": "offer_1", "amount": 6000,
	}, testToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var held struct {
		Result struct {
			Payment struct {
				ID string `json:"id"`
			} `json:"payment"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &held))
	require.NotEmpty(t, held.Result.Payment.ID)

	w = call(s, "POST", "/v1/payments/"+held.Result.Payment.ID+"/release", nil, testToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(s, "GET", "/v1/wallets/tasker_1", nil, testToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":6000`)

	w = call(s, "POST", "/internal/reconciliation/run", nil, testToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	assert.Equal(t, int64(10000), testutil.AssertReplays(t, store))
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(s, "GET", "/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processor":"null"`)
	assert.Contains(t, w.Body.String(), `"storage":"memory"`)
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = call(s, "GET", "/health/live", nil, "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestShutdownWithoutRun(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(s, "GET", "/v1/nonexistent", nil, testToken)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
