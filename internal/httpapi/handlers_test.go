package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/order"
	"retailpos/internal/service"
	"retailpos/internal/store/memory"
)

const testStore = "store-1"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(testStore, nil)
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key-with-32-characters", time.Hour, repo)
	tabs := order.NewRegistry(svc, order.Config{Pricing: svc.Pricing(), PollInterval: time.Hour})
	t.Cleanup(tabs.CloseAll)

	return New(svc, auth, tabs, Options{AllowedOrigin: "*"})
}

// do sends one JSON request through a fresh router and decodes the reply
// into out when out is non-nil.
func do(t *testing.T, api *API, method string, path string, token string, payload any, out any) int {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v (body: %s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func mustDecimal(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("decimal %q: %v", raw, err)
	}
	return d
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	var body map[string]any
	if code := do(t, api, http.MethodGet, "/healthz", "", nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	var resp domain.LoginResponse
	code := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "cashier", Password: "cashier123"}, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if resp.StoreID != testStore || resp.Role != roleCashier {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	code := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestHandleLogin_MissingFields(t *testing.T) {
	api := newTestAPI(t)

	var body errorBody
	code := do(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"}, &body)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if body.Code != domain.CodeValidation || len(body.Fields) != 1 || body.Fields[0].Field != "password" {
		t.Fatalf("expected a password field error, got %+v", body)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	if code := do(t, api, http.MethodGet, "/api/v1/products", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var body struct {
		Products []domain.Product `json:"products"`
	}
	if code := do(t, api, http.MethodGet, "/api/v1/products", token, nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Products) != 5 {
		t.Fatalf("expected 5 seeded products, got %d", len(body.Products))
	}
}

func TestHandleAvailabilityReportsExpiredUnits(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var got domain.Availability
	if code := do(t, api, http.MethodGet, "/api/v1/products/prd-susu/availability", token, nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.Sellable != 24 || got.Expired != 6 {
		t.Fatalf("expected 24 sellable and 6 expired, got %+v", got)
	}

	if code := do(t, api, http.MethodGet, "/api/v1/products/prd-none/availability", token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", code)
	}
}

func TestCashOrderSubmitConfirmPrint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := domain.OrderSubmitRequest{
		Lines:         []domain.OrderSubmitLine{{ProductID: "prd-mie", Quantity: 2}},
		PaymentMethod: domain.PaymentCash,
		CashReceived:  mustDecimal(t, "10000"),
	}
	var submitted domain.OrderSubmitResponse
	if code := do(t, api, http.MethodPost, "/api/v1/orders", token, req, &submitted); code != http.StatusOK {
		t.Fatalf("submit expected 200, got %d", code)
	}
	if submitted.OrderID == "" || submitted.GrandTotal.String() != "7700" || submitted.Change.String() != "2300" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	var stored domain.Order
	if code := do(t, api, http.MethodGet, "/api/v1/orders/"+submitted.OrderID, token, nil, &stored); code != http.StatusOK {
		t.Fatalf("get order expected 200, got %d", code)
	}
	if stored.EmployeeID == nil || *stored.EmployeeID != "emp-cashier" {
		t.Fatalf("expected the order to carry the cashier's employee id, got %v", stored.EmployeeID)
	}

	if code := do(t, api, http.MethodPost, "/api/v1/orders/"+submitted.OrderID+"/cash-confirm", token, nil, nil); code != http.StatusOK {
		t.Fatalf("cash confirm expected 200, got %d", code)
	}
	var stale errorBody
	if code := do(t, api, http.MethodPost, "/api/v1/orders", token, domain.OrderSubmitRequest{
		OrderID: submitted.OrderID,
		Lines:   []domain.OrderSubmitLine{{ProductID: "prd-mie", Quantity: 3}},
	}, &stale); code != http.StatusConflict || stale.Code != domain.CodeStaleOrderState {
		t.Fatalf("resubmitting a paid order expected 409 stale_order_state, got %d %+v", code, stale)
	}

	var receipt domain.PrintResponse
	if code := do(t, api, http.MethodPost, "/api/v1/orders/"+submitted.OrderID+"/print", token, nil, &receipt); code != http.StatusOK {
		t.Fatalf("print expected 200, got %d", code)
	}
	if receipt.PrintCount != 1 || receipt.EscposBase64 == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestSubmitOrderRejectsShortStock(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var body errorBody
	code := do(t, api, http.MethodPost, "/api/v1/orders", token, domain.OrderSubmitRequest{
		Lines:         []domain.OrderSubmitLine{{ProductID: "prd-roti", Quantity: 21}},
		PaymentMethod: domain.PaymentQR,
	}, &body)
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if body.Code != domain.CodeInsufficientStock || body.Available == nil || *body.Available != 20 || body.ProductID != "prd-roti" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestSubmitOrderForOtherStoreForbidden(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	code := do(t, api, http.MethodPost, "/api/v1/orders", token, domain.OrderSubmitRequest{
		StoreID: "store-2",
		Lines:   []domain.OrderSubmitLine{{ProductID: "prd-mie", Quantity: 1}},
	}, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestQROrderPaidByBankCallback(t *testing.T) {
	api := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")
	admin := loginAs(t, api, "admin", "admin123")

	var submitted domain.OrderSubmitResponse
	if code := do(t, api, http.MethodPost, "/api/v1/orders", cashier, domain.OrderSubmitRequest{
		Lines:         []domain.OrderSubmitLine{{ProductID: "prd-gula", Quantity: 1}},
		PaymentMethod: domain.PaymentQR,
	}, &submitted); code != http.StatusOK {
		t.Fatalf("submit expected 200, got %d", code)
	}
	if submitted.QR == nil || submitted.QR.Reference == "" {
		t.Fatalf("expected a qr code, got %+v", submitted)
	}
	statusPath := "/api/v1/payments/" + submitted.QR.Reference + "/status"

	var status domain.PaymentStatusResponse
	if code := do(t, api, http.MethodGet, statusPath, cashier, nil, &status); code != http.StatusOK || status.Status != domain.PaymentStatusPending {
		t.Fatalf("expected PENDING, got %d %+v", code, status)
	}
	if code := do(t, api, http.MethodPost, "/api/v1/payments/"+submitted.QR.Reference+"/paid", cashier, nil, nil); code != http.StatusForbidden {
		t.Fatalf("cashier marking paid expected 403, got %d", code)
	}
	if code := do(t, api, http.MethodPost, "/api/v1/payments/"+submitted.QR.Reference+"/paid", admin, nil, nil); code != http.StatusOK {
		t.Fatalf("admin marking paid expected 200, got %d", code)
	}
	if code := do(t, api, http.MethodGet, statusPath, cashier, nil, &status); code != http.StatusOK || status.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %d %+v", code, status)
	}
}

func TestVoucherCreateAndPost(t *testing.T) {
	api := newTestAPI(t)
	cashier := loginAs(t, api, "cashier", "cashier123")
	admin := loginAs(t, api, "admin", "admin123")

	req := domain.VoucherCreateRequest{
		Type:          domain.VoucherIn,
		WarehouseID:   "main-warehouse",
		Reason:        "restock",
		DelivererName: "Budi",
		ReceiverName:  "Sari",
		RefDocNo:      "INV-001",
		Lines:         []domain.VoucherLine{{ProductID: "prd-roti", Quantity: 10, UnitCost: mustDecimal(t, "12000"), BatchNo: "ROTI-B"}},
	}
	if code := do(t, api, http.MethodPost, "/api/v1/vouchers", cashier, req, nil); code != http.StatusForbidden {
		t.Fatalf("cashier creating voucher expected 403, got %d", code)
	}

	var created domain.InventoryVoucher
	if code := do(t, api, http.MethodPost, "/api/v1/vouchers", admin, req, &created); code != http.StatusCreated {
		t.Fatalf("create expected 201, got %d", code)
	}
	if created.Status != domain.VoucherStatusDraft {
		t.Fatalf("expected draft voucher, got %s", created.Status)
	}

	var posted domain.InventoryVoucher
	if code := do(t, api, http.MethodPost, "/api/v1/vouchers/"+created.ID+"/post", admin, nil, &posted); code != http.StatusOK {
		t.Fatalf("post expected 200, got %d", code)
	}
	if posted.Status != domain.VoucherStatusPosted {
		t.Fatalf("expected posted voucher, got %s", posted.Status)
	}

	var again errorBody
	if code := do(t, api, http.MethodPost, "/api/v1/vouchers/"+created.ID+"/post", admin, nil, &again); code != http.StatusConflict || again.Code != domain.CodeVoucherPosted {
		t.Fatalf("second post expected 409 voucher_already_posted, got %d %+v", code, again)
	}

	var availability domain.Availability
	do(t, api, http.MethodGet, "/api/v1/products/prd-roti/availability", cashier, nil, &availability)
	if availability.Sellable != 30 {
		t.Fatalf("expected 30 sellable after receiving 10, got %d", availability.Sellable)
	}
}

func TestOutboundVoucherExceedingStockRejected(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	var body errorBody
	code := do(t, api, http.MethodPost, "/api/v1/vouchers", admin, domain.VoucherCreateRequest{
		Type:          domain.VoucherOut,
		WarehouseID:   "main-warehouse",
		Reason:        "damaged",
		DelivererName: "Budi",
		ReceiverName:  "Sari",
		RefDocNo:      "OUT-001",
		Post:          true,
		Lines: []domain.VoucherLine{
			{ProductID: "prd-mie", Quantity: 5},
			{ProductID: "prd-roti", Quantity: 99},
		},
	}, &body)
	if code != http.StatusBadRequest || body.Code != domain.CodeValidation {
		t.Fatalf("expected 400 validation_error, got %d %+v", code, body)
	}
	if len(body.Fields) != 1 || body.Fields[0].Field != "lines[1].quantity" {
		t.Fatalf("expected only lines[1].quantity to fail, got %+v", body.Fields)
	}

	var availability domain.Availability
	do(t, api, http.MethodGet, "/api/v1/products/prd-mie/availability", admin, nil, &availability)
	if availability.Sellable != 120 {
		t.Fatalf("expected mie stock untouched at 120, got %d", availability.Sellable)
	}
}

func TestStatusForMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("x", "bad"), http.StatusBadRequest},
		{&domain.InsufficientStockError{ProductID: "p"}, http.StatusConflict},
		{&domain.ExpiredBatchOnlyError{ProductID: "p"}, http.StatusConflict},
		{domain.ErrStaleOrderState, http.StatusConflict},
		{domain.ErrPaymentWindowExpired, http.StatusGone},
		{&domain.PartialVoucherApplyRejectedError{Cause: &domain.InsufficientStockError{}}, http.StatusUnprocessableEntity},
		{order.ErrTabNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
