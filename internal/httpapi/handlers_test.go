package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/service"
	"retailpos/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopDashboardCache{}, 10, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, path := range []string{"/api/v1/products", "/api/v1/sales", "/api/v1/dashboard/stats"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}
}

func TestCheckoutEndToEnd(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		PaymentMethod: domain.PaymentMethodCash,
		Lines: []domain.SaleLineInput{
			{ProductID: 1, Quantity: 2, UnitPriceCents: 150},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if created.Sale.TotalCents != 300 {
		t.Fatalf("expected total 300, got %d", created.Sale.TotalCents)
	}

	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/v1/sales/%d", created.Sale.ID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching receipt, got %d", rec.Code)
	}
	var fetched struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if fetched.Sale.ID != created.Sale.ID || len(fetched.Sale.Lines) != 1 {
		t.Fatalf("receipt mismatch: %+v", fetched.Sale)
	}
}

func TestCheckoutInsufficientStockReturnsConflictDetail(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{
		PaymentMethod: domain.PaymentMethodCash,
		Lines: []domain.SaleLineInput{
			{ProductID: 3, Quantity: 9999, UnitPriceCents: 320},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error  string `json:"error"`
		Detail struct {
			ProductID int64 `json:"product_id"`
			Requested int   `json:"requested"`
			Available int   `json:"available"`
		} `json:"detail"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if body.Detail.ProductID != 3 || body.Detail.Requested != 9999 || body.Detail.Available != 45 {
		t.Fatalf("unexpected detail: %+v", body.Detail)
	}
}

func TestBarcodeLookup(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/8991001100016", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if body.Product.Name != "Mineral Water 600ml" {
		t.Fatalf("unexpected product: %+v", body.Product)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/barcode/0000000000000", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown barcode, got %d", rec.Code)
	}
}

func TestRegisterRequiresAdminRole(t *testing.T) {
	handler := newTestAPI(t).Handler()
	adminToken := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", adminToken, domain.RegisterRequest{
		Username: "kasir1",
		Password: "secret123",
		Role:     domain.RoleCashier,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 registering cashier, got %d: %s", rec.Code, rec.Body.String())
	}

	cashierToken := loginAs(t, handler, "kasir1", "secret123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register", cashierToken, domain.RegisterRequest{
		Username: "kasir2",
		Password: "secret123",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier registering users, got %d", rec.Code)
	}
}

func TestStockAdjustEndpoint(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products/1/stock", token, domain.StockAdjustRequest{
		Quantity: 30,
		Type:     domain.StockAdjustIncrease,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.StockAdjustResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.StockQuantity != 150 {
		t.Fatalf("expected 150 after restock, got %d", resp.StockQuantity)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products/1/stock", token, domain.StockAdjustRequest{
		Quantity: 9999,
		Type:     domain.StockAdjustDecrease,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversized decrease, got %d", rec.Code)
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "cash",
		"total_cents":    1,
		"lines":          []map[string]any{{"product_id": 1, "quantity": 1, "unit_price_cents": 150}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestLowStockDefaultThreshold(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory/low-stock", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// Seeded stock levels are all above the default threshold of 10.
	if len(body.Products) != 0 {
		t.Fatalf("expected no low-stock products, got %d", len(body.Products))
	}
}
