package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/service"
	"labelpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with a seeded memory store, a real
// AuthManager and a real Service so handler tests exercise the whole path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	logger := zaptest.NewLogger(t)
	svc := service.New(repo, service.Options{
		StoreID: "test-store",
		TaxRate: decimal.RequireFromString("0.19"),
		Logger:  logger,
	})
	auth := NewAuthManager("test-secret-key-with-enough-length", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*", LoginPerMinute: 5, Logger: logger})
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:4000"
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d (body: %s)", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

// call sends an authenticated JSON request and decodes the response into out
// when out is non-nil.
func call(t *testing.T, api *API, token, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	if out != nil && res.Code < 300 {
		if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v (body: %s)", method, path, err, res.Body.String())
		}
	}
	return res
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

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
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "terminal-7-0001")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "terminal-7-0001" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestAuthGuards(t *testing.T) {
	api := newTestAPI(t)

	if res := call(t, api, "", http.MethodPost, "/api/v1/carts", nil, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
	if res := call(t, api, "garbage", http.MethodPost, "/api/v1/carts", nil, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.Code)
	}

	cashier := login(t, api, "cashier", "cashier123")
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/audit-logs", nil, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on audit logs, got %d", res.Code)
	}
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/carts", nil, nil); res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestCheckoutFlow(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	var opened domain.SessionResponse
	res := call(t, api, cashier, http.MethodPost, "/api/v1/sessions", domain.OpenSessionRequest{RegisterID: "reg-01", CashierID: "someone-else", OpeningFloatCents: 50000}, &opened)
	if res.Code != http.StatusCreated {
		t.Fatalf("open session: %d %s", res.Code, res.Body.String())
	}
	if opened.Session.CashierID != "cashier" {
		t.Fatalf("cashier must open under their own name, got %q", opened.Session.CashierID)
	}
	if res := call(t, api, cashier, http.MethodPost, "/api/v1/sessions", domain.OpenSessionRequest{RegisterID: "reg-01"}, nil); res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for occupied register, got %d", res.Code)
	}

	var c cart.Snapshot
	if res := call(t, api, cashier, http.MethodPost, "/api/v1/carts", nil, &c); res.Code != http.StatusCreated {
		t.Fatalf("create cart: %d", res.Code)
	}
	base := "/api/v1/carts/" + c.ID

	var added service.CartResponse
	if res := call(t, api, cashier, http.MethodPost, base+"/products", domain.AddProductRequest{Code: "tee-blk-m", Quantity: 2}, &added); res.Code != http.StatusOK {
		t.Fatalf("add product: %d %s", res.Code, res.Body.String())
	}
	var discounted cart.Snapshot
	if res := call(t, api, cashier, http.MethodPut, base+"/discount", domain.SetDiscountRequest{DiscountCents: 5000}, &discounted); res.Code != http.StatusOK {
		t.Fatalf("discount: %d", res.Code)
	}
	if discounted.Totals.TotalCents != 41650 {
		t.Fatalf("expected total 41650, got %+v", discounted.Totals)
	}

	checkout := domain.CommitSaleRequest{
		SessionID:      opened.Session.ID,
		Tenders:        []domain.Tender{{Method: "cash", AmountCents: 50000}},
		IdempotencyKey: "pos-1-0001",
	}
	var committed domain.CommitSaleResponse
	res = call(t, api, cashier, http.MethodPost, base+"/checkout", checkout, &committed)
	if res.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", res.Code, res.Body.String())
	}
	if committed.ChangeCents != 8350 || committed.Sale.TotalCents != 41650 {
		t.Fatalf("unexpected checkout %+v", committed)
	}

	var repeated domain.CommitSaleResponse
	res = call(t, api, cashier, http.MethodPost, base+"/checkout", checkout, &repeated)
	if res.Code != http.StatusOK || !repeated.Duplicate || repeated.Sale.ID != committed.Sale.ID {
		t.Fatalf("expected duplicate replay, got %d %+v", res.Code, repeated)
	}

	var sale domain.Sale
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/sales/"+committed.Sale.ID, nil, &sale); res.Code != http.StatusOK || sale.OrderNumber != committed.Sale.OrderNumber {
		t.Fatalf("get sale: %d %+v", res.Code, sale)
	}
	var movements struct {
		Movements []domain.StockMovement `json:"movements"`
	}
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/sales/"+committed.Sale.ID+"/movements", nil, &movements); res.Code != http.StatusOK || len(movements.Movements) != 1 {
		t.Fatalf("movements: %d %+v", res.Code, movements)
	}

	var current domain.SessionResponse
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/registers/reg-01/session", nil, &current); res.Code != http.StatusOK {
		t.Fatalf("register session: %d", res.Code)
	}
	if current.Session.SalesCount != 1 || current.ExpectedCents != 91650 {
		t.Fatalf("unexpected session %+v", current)
	}
	var sales struct {
		Sales []domain.Sale `json:"sales"`
	}
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/sessions/"+opened.Session.ID+"/sales", nil, &sales); res.Code != http.StatusOK || len(sales.Sales) != 1 {
		t.Fatalf("session sales: %d %+v", res.Code, sales)
	}

	var closed domain.SessionResponse
	counted := int64(91000)
	res = call(t, api, cashier, http.MethodPost, "/api/v1/sessions/"+opened.Session.ID+"/close", domain.CloseSessionRequest{CountedFloatCents: &counted}, &closed)
	if res.Code != http.StatusOK || *closed.Session.VarianceCents != -650 {
		t.Fatalf("close: %d %s", res.Code, res.Body.String())
	}
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/registers/reg-01/session", nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once the register is free, got %d", res.Code)
	}

	manager := login(t, api, "manager", "manager123")
	var logs struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	if res := call(t, api, manager, http.MethodGet, "/api/v1/audit-logs?limit=10", nil, &logs); res.Code != http.StatusOK {
		t.Fatalf("audit logs: %d", res.Code)
	}
	if len(logs.Logs) != 3 || logs.Logs[0].Action != "session_close" {
		t.Fatalf("unexpected audit trail %+v", logs.Logs)
	}
}

func TestCheckoutErrorStatuses(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	var opened domain.SessionResponse
	call(t, api, cashier, http.MethodPost, "/api/v1/sessions", domain.OpenSessionRequest{RegisterID: "reg-02"}, &opened)

	newCartWith := func(code string, qty int) string {
		var c cart.Snapshot
		call(t, api, cashier, http.MethodPost, "/api/v1/carts", nil, &c)
		if res := call(t, api, cashier, http.MethodPost, "/api/v1/carts/"+c.ID+"/products", domain.AddProductRequest{Code: code, Quantity: qty}, nil); res.Code != http.StatusOK {
			t.Fatalf("add %s: %d %s", code, res.Code, res.Body.String())
		}
		return c.ID
	}

	first := newCartWith("CAP-NAVY", 10)
	second := newCartWith("CAP-NAVY", 10)
	pay := domain.CommitSaleRequest{SessionID: opened.Session.ID, Tenders: []domain.Tender{{Method: "cash", AmountCents: 200000}}}

	if res := call(t, api, cashier, http.MethodPost, "/api/v1/carts/"+first+"/checkout", pay, nil); res.Code != http.StatusCreated {
		t.Fatalf("first checkout: %d %s", res.Code, res.Body.String())
	}
	res := call(t, api, cashier, http.MethodPost, "/api/v1/carts/"+second+"/checkout", pay, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d", res.Code)
	}
	var stockBody struct {
		Shortages []domain.StockShortage `json:"shortages"`
	}
	_ = json.Unmarshal(res.Body.Bytes(), &stockBody)
	if len(stockBody.Shortages) != 1 || stockBody.Shortages[0].ItemID != "var-cap-navy" || stockBody.Shortages[0].Available != 0 {
		t.Fatalf("expected shortage detail, got %s", res.Body.String())
	}

	third := newCartWith("STICKER-A6", 1)
	short := domain.CommitSaleRequest{SessionID: opened.Session.ID, Tenders: []domain.Tender{{Method: "cash", AmountCents: 4000}}}
	res = call(t, api, cashier, http.MethodPost, "/api/v1/carts/"+third+"/checkout", short, nil)
	if res.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for underpayment, got %d", res.Code)
	}
	var underBody map[string]any
	_ = json.Unmarshal(res.Body.Bytes(), &underBody)
	if underBody["shortfallCents"] != float64(165) {
		t.Fatalf("expected shortfall 165, got %v", underBody["shortfallCents"])
	}

	overCard := domain.CommitSaleRequest{SessionID: opened.Session.ID, Tenders: []domain.Tender{{Method: "card", AmountCents: 9000}}}
	if res := call(t, api, cashier, http.MethodPost, "/api/v1/carts/"+third+"/checkout", overCard, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for card over the total, got %d", res.Code)
	}
	if res := call(t, api, cashier, http.MethodPost, "/api/v1/carts/missing/checkout", pay, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing cart, got %d", res.Code)
	}
}

func TestCartLineEndpointsAndScan(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	var c cart.Snapshot
	call(t, api, cashier, http.MethodPost, "/api/v1/carts", nil, &c)
	base := "/api/v1/carts/" + c.ID

	var scan service.ScanResponse
	for i := 0; i < 3; i++ {
		res := call(t, api, cashier, http.MethodPost, base+"/scan", domain.ScanRequest{Source: "cam-1", Code: "7701234000017"}, &scan)
		if res.Code != http.StatusOK {
			t.Fatalf("scan %d: %d", i+1, res.Code)
		}
	}
	if !scan.Confirmed || scan.Added == nil || scan.Added.Quantity != 1 {
		t.Fatalf("expected confirmed scan to add one unit, got %+v", scan)
	}
	ref := scan.Added.Ref

	var updated cart.Snapshot
	if res := call(t, api, cashier, http.MethodPatch, base+"/lines/"+ref, domain.UpdateQuantityRequest{Quantity: 3}, &updated); res.Code != http.StatusOK {
		t.Fatalf("update: %d %s", res.Code, res.Body.String())
	}
	if updated.Totals.SubtotalCents != 60000 {
		t.Fatalf("expected subtotal 60000, got %d", updated.Totals.SubtotalCents)
	}
	if res := call(t, api, cashier, http.MethodPatch, base+"/lines/"+ref, domain.UpdateQuantityRequest{Quantity: 0}, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero quantity, got %d", res.Code)
	}

	var withTemplate service.CartResponse
	res := call(t, api, cashier, http.MethodPost, base+"/templates", domain.AddTemplateRequest{Code: "TPL-MUG", ZoneIDs: []string{"mug-wrap-photo"}}, &withTemplate)
	if res.Code != http.StatusOK || len(withTemplate.Cart.Lines) != 2 {
		t.Fatalf("add template: %d %s", res.Code, res.Body.String())
	}
	if res := call(t, api, cashier, http.MethodPost, base+"/templates", domain.AddTemplateRequest{Code: "TPL-MUG"}, nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without the required zone, got %d", res.Code)
	}

	if res := call(t, api, cashier, http.MethodDelete, base+"/lines/"+ref, nil, nil); res.Code != http.StatusOK {
		t.Fatalf("remove: %d", res.Code)
	}
	if res := call(t, api, cashier, http.MethodDelete, base+"/lines/"+ref, nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 removing twice, got %d", res.Code)
	}

	var item domain.CatalogItem
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/catalog/lookup?code=TPL-TEE", nil, &item); res.Code != http.StatusOK || item.Kind != domain.ItemKindTemplate {
		t.Fatalf("lookup: %d %+v", res.Code, item)
	}
	if res := call(t, api, cashier, http.MethodGet, "/api/v1/catalog/lookup?code=NOPE-1", nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", res.Code)
	}

	if res := call(t, api, cashier, http.MethodDelete, base, nil, nil); res.Code != http.StatusNoContent {
		t.Fatalf("discard: %d", res.Code)
	}
	if res := call(t, api, cashier, http.MethodGet, base, nil, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for discarded cart, got %d", res.Code)
	}
}

func TestManagerCreatesCashier(t *testing.T) {
	api := newTestAPI(t)
	manager := login(t, api, "manager", "manager123")

	res := call(t, api, manager, http.MethodPost, "/api/v1/users", CreateUserRequest{Username: "nightshift", Password: "pass1234"}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.Code, res.Body.String())
	}
	if strings.Contains(res.Body.String(), "$2") {
		t.Fatalf("password hash leaked in response: %s", res.Body.String())
	}
	login(t, api, "nightshift", "pass1234")
}
