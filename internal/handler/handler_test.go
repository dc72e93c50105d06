package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/akozyrev/citypass-system/internal/middleware"
	"github.com/akozyrev/citypass-system/internal/model"
	"github.com/akozyrev/citypass-system/internal/repository"
	"github.com/akozyrev/citypass-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	createOfferID  int64
	createOfferErr error

	offersResp []model.Offer
	offersErr  error

	claimResp *model.DiscountCode
	claimErr  error

	codesResp []model.DiscountCode
	codesErr  error

	validateResp *service.RedemptionResult
	validateErr  error

	transactionsResp []repository.TransactionRecord
	transactionsErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) CreateOffer(ctx context.Context, supplierID int64, input service.OfferInput) (int64, error) {
	return s.createOfferID, s.createOfferErr
}

func (s *stubService) ListActiveOffers(ctx context.Context) ([]model.Offer, error) {
	return s.offersResp, s.offersErr
}

func (s *stubService) ClaimOffer(ctx context.Context, userID, offerID int64) (*model.DiscountCode, error) {
	return s.claimResp, s.claimErr
}

func (s *stubService) GetCodesByUser(ctx context.Context, userID int64) ([]model.DiscountCode, error) {
	return s.codesResp, s.codesErr
}

func (s *stubService) ValidateAndProcessDiscountCode(ctx context.Context, supplierID int64, code, currentTime string, amount *float64) (*service.RedemptionResult, error) {
	return s.validateResp, s.validateErr
}

func (s *stubService) ListSupplierTransactions(ctx context.Context, supplierID int64) ([]repository.TransactionRecord, error) {
	return s.transactionsResp, s.transactionsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, role string) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, role)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("registration must set auth cookie")
	}
}

func TestRegister_DuplicateLogin(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestRegister_UnknownRole(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass", Role: "admin"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: errors.New("invalid credentials"),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestValidateCode_PlainResponse(t *testing.T) {
	svc := &stubService{
		validateResp: &service.RedemptionResult{
			Code:        "A1B2C",
			CurrentTime: "06/02/2025, 12:00:00",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(validateRequest{Code: "A1B2C", CurrentTime: "06/02/2025, 12:00:00"})
	req := httptest.NewRequest(http.MethodPost, "/api/supplier/codes/validate", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, "supplier"))

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(http.HandlerFunc(h.ValidateCode)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp map[string]any
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["code"] != "A1B2C" {
		t.Fatalf("code = %v, want A1B2C", resp["code"])
	}
	if _, ok := resp["offerName"]; ok {
		t.Fatalf("plain response must not contain offerName")
	}
}

func TestValidateCode_PreviewResponse(t *testing.T) {
	svc := &stubService{
		validateResp: &service.RedemptionResult{
			Code:        "A1B2C",
			CurrentTime: "06/02/2025, 12:00:00",
			OfferName:   "Bakery discount",
			OfferType:   "PERCENTAGE",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(validateRequest{Code: "A1B2C", CurrentTime: "06/02/2025, 12:00:00"})
	req := httptest.NewRequest(http.MethodPost, "/api/supplier/codes/validate", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, "supplier"))

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(http.HandlerFunc(h.ValidateCode)).ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Result().Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["offerName"] != "Bakery discount" || resp["offerType"] != "PERCENTAGE" {
		t.Fatalf("preview response incomplete: %v", resp)
	}
}

func TestValidateCode_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "unknown code",
			err:        repository.ErrCodeNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "offer not active",
			err:        repository.ErrOfferNotActive,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "frequency violation",
			err:        service.ErrFrequencyLimit,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "time window violation",
			err:        service.ErrOutsideTimeWindow,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "price violation",
			err:        service.ErrPriceOutOfRange,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad code format",
			err:        service.ErrInvalidCodeFormat,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "storage failure",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{validateErr: tt.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(validateRequest{Code: "A1B2C", CurrentTime: "06/02/2025, 12:00:00"})
			req := httptest.NewRequest(http.MethodPost, "/api/supplier/codes/validate", bytes.NewReader(body))
			req.AddCookie(authCookie(t, h, 1, "supplier"))

			rec := httptest.NewRecorder()
			h.authMiddleware.Middleware(http.HandlerFunc(h.ValidateCode)).ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestClaimOffer_ThroughRouter(t *testing.T) {
	svc := &stubService{
		claimResp: &model.DiscountCode{ID: 7, OfferID: 5, Code: "Z9Y8X", Active: true},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/offers/5/claim", nil)
	req.AddCookie(authCookie(t, h, 3, "citizen"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp claimResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "Z9Y8X" || resp.OfferID != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClaimOffer_SupplierForbidden(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/offers/5/claim", nil)
	req.AddCookie(authCookie(t, h, 3, "supplier"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestClaimOffer_CodeLimitReached(t *testing.T) {
	svc := &stubService{claimErr: repository.ErrCodeLimitReached}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/offers/5/claim", nil)
	req.AddCookie(authCookie(t, h, 3, "citizen"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestGetOffers_NoContent(t *testing.T) {
	svc := &stubService{
		offersResp: []model.Offer{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/offers", nil)
	req.AddCookie(authCookie(t, h, 1, "citizen"))

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(http.HandlerFunc(h.GetOffers)).ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestCreateOffer_InvalidInput(t *testing.T) {
	svc := &stubService{createOfferErr: service.ErrInvalidOffer}
	h := newTestHandler(t, svc)

	body := strings.NewReader(`{"title":"","offerType":3}`)
	req := httptest.NewRequest(http.MethodPost, "/api/offers", body)
	req.AddCookie(authCookie(t, h, 1, "supplier"))

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(http.HandlerFunc(h.CreateOffer)).ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGetTransactions_JSONResponse(t *testing.T) {
	svc := &stubService{
		transactionsResp: []repository.TransactionRecord{
			{
				ID:          1,
				Code:        "A1B2C",
				OfferTitle:  "Bakery discount",
				AmountCents: 18000,
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/supplier/transactions", nil)
	req.AddCookie(authCookie(t, h, 1, "supplier"))

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(http.HandlerFunc(h.GetTransactions)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []transactionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Amount != 180.0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
