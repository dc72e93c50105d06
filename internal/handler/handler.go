// Package handler содержит HTTP-обработчики API сервиса citypass.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/akozyrev/citypass-system/internal/middleware"
	"github.com/akozyrev/citypass-system/internal/model"
	"github.com/akozyrev/citypass-system/internal/repository"
	"github.com/akozyrev/citypass-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	CreateOffer(ctx context.Context, supplierID int64, input service.OfferInput) (int64, error)
	ListActiveOffers(ctx context.Context) ([]model.Offer, error)
	ClaimOffer(ctx context.Context, userID, offerID int64) (*model.DiscountCode, error)
	GetCodesByUser(ctx context.Context, userID int64) ([]model.DiscountCode, error)
	ValidateAndProcessDiscountCode(ctx context.Context, supplierID int64, code, currentTime string, amount *float64) (*service.RedemptionResult, error)
	ListSupplierTransactions(ctx context.Context, supplierID int64) ([]repository.TransactionRecord, error)
}

// Handler реализует HTTP-обработчики API сервиса citypass.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	if req.Role == "" {
		role = model.RoleCitizen
	}
	if !role.Valid() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, string(role))
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, string(user.Role))
	w.WriteHeader(http.StatusOK)
}

type restrictionRequest struct {
	AgeRestriction *int16   `json:"ageRestriction,omitempty"`
	Frequency      *string  `json:"frequency,omitempty"`
	MinPrice       *float64 `json:"minPrice,omitempty"`
	MaxPrice       *float64 `json:"maxPrice,omitempty"`
	TimeFrom       *string  `json:"timeFrom,omitempty"`
	TimeTo         *string  `json:"timeTo,omitempty"`
}

type offerRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Amount      float64             `json:"amount"`
	OfferType   int16               `json:"offerType"`
	StartsAt    time.Time           `json:"startsAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	CodeLimit   *int64              `json:"codeLimit,omitempty"`
	Restriction *restrictionRequest `json:"restriction,omitempty"`
}

// CreateOffer создаёт новое предложение текущего поставщика.
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	input := service.OfferInput{
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		Type:        req.OfferType,
		StartsAt:    req.StartsAt,
		ExpiresAt:   req.ExpiresAt,
		CodeLimit:   req.CodeLimit,
	}
	if req.Restriction != nil {
		input.Restriction = &service.RestrictionInput{
			AgeRestriction: req.Restriction.AgeRestriction,
			Frequency:      req.Restriction.Frequency,
			MinPrice:       req.Restriction.MinPrice,
			MaxPrice:       req.Restriction.MaxPrice,
			TimeFrom:       req.Restriction.TimeFrom,
			TimeTo:         req.Restriction.TimeTo,
		}
	}

	id, err := h.service.CreateOffer(r.Context(), supplierID, input)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOffer) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("create offer error", zap.Error(err), zap.Int64("supplierID", supplierID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

type offerResponse struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	OfferType   string  `json:"offerType"`
	StartsAt    string  `json:"startsAt"`
	ExpiresAt   string  `json:"expiresAt"`
}

// GetOffers возвращает список доступных сейчас предложений.
func (h *Handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.ListActiveOffers(r.Context())
	if err != nil {
		h.logger.Error("list offers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(offers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		resp = append(resp, offerResponse{
			ID:          o.ID,
			Title:       o.Title,
			Description: o.Description,
			Amount:      offerAmount(&o),
			OfferType:   o.Type.String(),
			StartsAt:    o.StartsAt.Format(time.RFC3339),
			ExpiresAt:   o.ExpiresAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// offerAmount возвращает сумму предложения в единицах API: процент для
// процентного типа, рубли для остальных.
func offerAmount(o *model.Offer) float64 {
	if o.Type == model.OfferTypePercentage {
		return float64(o.Amount)
	}
	return float64(o.Amount) / 100
}

type claimResponse struct {
	Code      string `json:"code"`
	OfferID   int64  `json:"offerId"`
	CreatedAt string `json:"createdAt"`
}

// ClaimOffer выдаёт текущему горожанину код на предложение.
func (h *Handler) ClaimOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offerID, err := strconv.ParseInt(chi.URLParam(r, "offerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dc, err := h.service.ClaimOffer(r.Context(), userID, offerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOfferNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOfferNotActive):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrCodeLimitReached):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("claim offer error", zap.Error(err), zap.Int64("offerID", offerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(claimResponse{
		Code:      dc.Code,
		OfferID:   dc.OfferID,
		CreatedAt: dc.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type codeResponse struct {
	Code       string `json:"code"`
	Active     bool   `json:"active"`
	OfferTitle string `json:"offerTitle"`
	OfferType  string `json:"offerType"`
	CreatedAt  string `json:"createdAt"`
}

// GetCodes возвращает скидочные коды текущего пользователя.
func (h *Handler) GetCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	codes, err := h.service.GetCodesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get codes error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(codes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]codeResponse, 0, len(codes))
	for _, c := range codes {
		item := codeResponse{
			Code:      c.Code,
			Active:    c.Active,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
		if c.Offer != nil {
			item.OfferTitle = c.Offer.Title
			item.OfferType = c.Offer.Type.String()
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type validateRequest struct {
	Code        string   `json:"code"`
	CurrentTime string   `json:"currentTime"`
	Amount      *float64 `json:"amount,omitempty"`
}

type validateResponse struct {
	Code        string `json:"code"`
	CurrentTime string `json:"currentTime"`
	OfferName   string `json:"offerName,omitempty"`
	OfferType   string `json:"offerType,omitempty"`
}

// ValidateCode проверяет скидочный код на кассе текущего поставщика.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ValidateAndProcessDiscountCode(r.Context(), supplierID, req.Code, req.CurrentTime, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCodeFormat),
			errors.Is(err, service.ErrInvalidTimeFormat),
			errors.Is(err, service.ErrFrequencyLimit),
			errors.Is(err, service.ErrOutsideTimeWindow),
			errors.Is(err, service.ErrPriceOutOfRange):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrCodeNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOfferNotActive):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("validate code error", zap.Error(err), zap.String("code", req.Code))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(validateResponse{
		Code:        res.Code,
		CurrentTime: res.CurrentTime,
		OfferName:   res.OfferName,
		OfferType:   res.OfferType,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type transactionResponse struct {
	ID          int64   `json:"id"`
	Code        string  `json:"code"`
	OfferTitle  string  `json:"offerTitle"`
	Amount      float64 `json:"amount"`
	ProcessedAt string  `json:"processedAt"`
}

// GetTransactions возвращает историю погашений текущего поставщика.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	supplierID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	records, err := h.service.ListSupplierTransactions(r.Context(), supplierID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("supplierID", supplierID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, transactionResponse{
			ID:          rec.ID,
			Code:        rec.Code,
			OfferTitle:  rec.OfferTitle,
			Amount:      float64(rec.AmountCents) / 100,
			ProcessedAt: rec.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
