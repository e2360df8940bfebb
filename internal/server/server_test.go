package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/config"
	"github.com/crewlyhq/crewly-billing/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		Currency:       "usd",
		BillingMode:    "test",
		GatewayTimeout: 5 * time.Second,
		RenewalEvery:   time.Hour,
		GraceDays:      15,
		TrialDays:      14,
		AdminSecret:    "test-admin",
		RateLimitRPM:   600,
	}
}

// newTestServer creates a server with in-memory stores and a fake gateway
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(gateway.NewFake()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestBillingRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := map[string]bool{
		"GET:/v1/billing/subscription":                         false,
		"POST:/v1/billing/subscription":                        false,
		"POST:/v1/billing/subscription/upgrade":                false,
		"POST:/v1/billing/subscription/downgrade":              false,
		"DELETE:/v1/billing/subscription/downgrade":            false,
		"POST:/v1/billing/subscription/addons/:addon/toggle":   false,
		"POST:/v1/billing/subscription/cancel":                 false,
		"GET:/v1/billing/subscription/features":                false,
		"GET:/v1/billing/plans":                                false,
		"GET:/v1/billing/payments":                             false,
		"GET:/v1/billing/payments/:id":                         false,
		"POST:/webhooks/gateway":                               false,
		"POST:/admin/tenants":                                  false,
		"POST:/admin/renewals/run":                             false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Billing route %s not registered", route)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth boundary tests
// ---------------------------------------------------------------------------

func TestTenantHeaderRequired(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/billing/subscription", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without X-Tenant-ID, got %d", w.Code)
	}
}

func TestAdminSecretRequired(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/tenants", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without admin secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end lifecycle test
// ---------------------------------------------------------------------------

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Provision a tenant through the admin API
	body := `{"name":"Acme","slug":"acme"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/tenants", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-admin")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating tenant, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Tenant struct {
			ID string `json:"id"`
		} `json:"tenant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse tenant response: %v", err)
	}
	if created.Tenant.ID == "" {
		t.Fatal("Expected tenant ID in response")
	}

	// Subscribe the tenant to a paid plan
	body = `{"plan":"team","userCount":2}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/billing/subscription", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", created.Tenant.ID)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating subscription, got %d: %s", w.Code, w.Body.String())
	}

	// Summary reflects the new subscription
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/billing/subscription", nil)
	req.Header.Set("X-Tenant-ID", created.Tenant.ID)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching summary, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"team"`) {
		t.Errorf("Expected summary to mention the team plan: %s", w.Body.String())
	}

	// The up-front charge shows in the payment history
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/billing/payments", nil)
	req.Header.Set("X-Tenant-ID", created.Tenant.ID)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing payments, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "8800") {
		t.Errorf("Expected an 8800 cent charge in history: %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Webhook endpoint tests
// ---------------------------------------------------------------------------

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/gateway", strings.NewReader("garbage"))
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unverifiable payload, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
