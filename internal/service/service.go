// Package service реализует бизнес-логику платформы городских льгот.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/akozyrev/citypass-system/internal/model"
	"github.com/akozyrev/citypass-system/internal/repository"
	"github.com/akozyrev/citypass-system/internal/validation"
)

// ErrInvalidCodeFormat возвращается, если код не соответствует формату из пяти символов.
var (
	ErrInvalidCodeFormat = errors.New("discount code format is invalid")
	// ErrInvalidTimeFormat возвращается, если время кассы не удалось разобрать.
	ErrInvalidTimeFormat = errors.New("current time format is invalid")
	// ErrFrequencyLimit возвращается, если код уже был использован в текущем периоде.
	ErrFrequencyLimit = errors.New("discount code already used in this period")
	// ErrOutsideTimeWindow возвращается при погашении вне разрешённого окна времени суток.
	ErrOutsideTimeWindow = errors.New("redemption outside allowed time slots")
	// ErrPriceOutOfRange возвращается, если сумма покупки вне ценового коридора.
	ErrPriceOutOfRange = errors.New("amount not within eligible price range")
	// ErrInvalidOffer возвращается при некорректных данных создаваемого предложения.
	ErrInvalidOffer = errors.New("invalid offer data")
)

const (
	codeLength        = 5
	codeAlphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeClaimAttempts = 5
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateOffer(ctx context.Context, offer *model.Offer) (int64, error)
	GetOfferByID(ctx context.Context, offerID int64) (*model.Offer, error)
	ListActiveOffers(ctx context.Context, at time.Time) ([]model.Offer, error)
	ExpireOffers(ctx context.Context, at time.Time) (int64, error)
	ClaimCode(ctx context.Context, userID, offerID int64, code string, at time.Time) (*model.DiscountCode, error)
	GetActiveCodeBySupplier(ctx context.Context, code string, supplierID int64) (*model.DiscountCode, error)
	GetCodeByUserAndOffer(ctx context.Context, userID, offerID int64) (*model.DiscountCode, error)
	GetCodesByUser(ctx context.Context, userID int64) ([]model.DiscountCode, error)
	DeactivateCode(ctx context.Context, codeID int64) (bool, error)
	GetLastTransaction(ctx context.Context, userID, offerID int64) (*model.OfferTransaction, error)
	CreateTransaction(ctx context.Context, codeID, amountCents int64, at time.Time) (int64, error)
	ListTransactionsBySupplier(ctx context.Context, supplierID int64) ([]repository.TransactionRecord, error)
}

// Service содержит бизнес-логику платформы городских льгот.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, role)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// OfferInput содержит данные для создания предложения.
type OfferInput struct {
	Title       string
	Description string
	Amount      float64
	Type        int16
	StartsAt    time.Time
	ExpiresAt   time.Time
	CodeLimit   *int64
	Restriction *RestrictionInput
}

// RestrictionInput содержит данные ограничения предложения. Границы времени
// суток передаются строками "HH:MM" в UTC, цены — в рублях.
type RestrictionInput struct {
	AgeRestriction *int16
	Frequency      *string
	MinPrice       *float64
	MaxPrice       *float64
	TimeFrom       *string
	TimeTo         *string
}

// CreateOffer валидирует и сохраняет новое предложение поставщика.
// Созданное предложение сразу допускается к использованию.
func (s *Service) CreateOffer(ctx context.Context, supplierID int64, input OfferInput) (int64, error) {
	if input.Title == "" {
		return 0, fmt.Errorf("%w: title is required", ErrInvalidOffer)
	}

	offerType := model.OfferType(input.Type)
	if !offerType.Valid() {
		return 0, fmt.Errorf("%w: unknown offer type %d", ErrInvalidOffer, input.Type)
	}

	var amount int64
	if offerType == model.OfferTypePercentage {
		if input.Amount < 0 || input.Amount > 100 {
			return 0, fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidOffer)
		}
		amount = int64(math.Round(input.Amount))
	} else {
		if input.Amount < 0 {
			return 0, fmt.Errorf("%w: amount must not be negative", ErrInvalidOffer)
		}
		amount = toCents(input.Amount)
	}

	if !input.ExpiresAt.After(input.StartsAt) {
		return 0, fmt.Errorf("%w: expiration must be after start", ErrInvalidOffer)
	}

	if input.CodeLimit != nil && *input.CodeLimit <= 0 {
		return 0, fmt.Errorf("%w: code limit must be positive", ErrInvalidOffer)
	}

	offer := &model.Offer{
		SupplierID:  supplierID,
		Title:       input.Title,
		Description: input.Description,
		Amount:      amount,
		Type:        offerType,
		Status:      model.OfferStatusActive,
		Active:      true,
		StartsAt:    input.StartsAt,
		ExpiresAt:   input.ExpiresAt,
		CodeLimit:   input.CodeLimit,
	}

	if input.Restriction != nil {
		res, err := buildRestriction(input.Restriction)
		if err != nil {
			return 0, err
		}
		offer.Restriction = res
	}

	return s.repo.CreateOffer(ctx, offer)
}

func buildRestriction(input *RestrictionInput) (*model.Restriction, error) {
	res := &model.Restriction{
		AgeRestriction: input.AgeRestriction,
	}

	if input.Frequency != nil {
		f := model.UsageFrequency(*input.Frequency)
		if !f.Valid() {
			return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidOffer, *input.Frequency)
		}
		res.Frequency = &f
	}

	if input.MinPrice != nil {
		v := toCents(*input.MinPrice)
		res.MinPriceCents = &v
	}
	if input.MaxPrice != nil {
		v := toCents(*input.MaxPrice)
		res.MaxPriceCents = &v
	}
	if res.MinPriceCents != nil && res.MaxPriceCents != nil && *res.MinPriceCents > *res.MaxPriceCents {
		return nil, fmt.Errorf("%w: min price exceeds max price", ErrInvalidOffer)
	}

	if (input.TimeFrom == nil) != (input.TimeTo == nil) {
		return nil, fmt.Errorf("%w: time window requires both bounds", ErrInvalidOffer)
	}
	if input.TimeFrom != nil {
		from, err := parseDayMinutes(*input.TimeFrom)
		if err != nil {
			return nil, fmt.Errorf("%w: bad time-from %q", ErrInvalidOffer, *input.TimeFrom)
		}
		to, err := parseDayMinutes(*input.TimeTo)
		if err != nil {
			return nil, fmt.Errorf("%w: bad time-to %q", ErrInvalidOffer, *input.TimeTo)
		}
		if from > to {
			return nil, fmt.Errorf("%w: time-from is after time-to", ErrInvalidOffer)
		}
		res.TimeFrom = &from
		res.TimeTo = &to
	}

	return res, nil
}

func parseDayMinutes(value string) (int16, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return int16(t.Hour()*60 + t.Minute()), nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// ListActiveOffers возвращает предложения, доступные горожанам сейчас.
func (s *Service) ListActiveOffers(ctx context.Context) ([]model.Offer, error) {
	return s.repo.ListActiveOffers(ctx, time.Now().UTC())
}

// GetCodesByUser возвращает скидочные коды пользователя.
func (s *Service) GetCodesByUser(ctx context.Context, userID int64) ([]model.DiscountCode, error) {
	return s.repo.GetCodesByUser(ctx, userID)
}

// ListSupplierTransactions возвращает историю погашений поставщика.
func (s *Service) ListSupplierTransactions(ctx context.Context, supplierID int64) ([]repository.TransactionRecord, error) {
	return s.repo.ListTransactionsBySupplier(ctx, supplierID)
}

// ClaimOffer выдаёт пользователю скидочный код на предложение. Коллизия
// значения кода разрешается генерацией нового кода и повторной вставкой;
// повторная заявка на то же предложение возвращает уже выданный код.
func (s *Service) ClaimOffer(ctx context.Context, userID, offerID int64) (*model.DiscountCode, error) {
	var dc *model.DiscountCode

	backoff := retry.WithMaxRetries(codeClaimAttempts, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		claimed, err := s.repo.ClaimCode(ctx, userID, offerID, generateCode(), time.Now().UTC())
		if err != nil {
			if errors.Is(err, repository.ErrCodeExists) {
				return retry.RetryableError(err)
			}
			return err
		}
		dc = claimed
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrCodeAlreadyClaimed) {
			return s.repo.GetCodeByUserAndOffer(ctx, userID, offerID)
		}
		return nil, err
	}

	return dc, nil
}

func generateCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

// RedemptionResult описывает результат проверки кода на кассе. OfferName и
// OfferType заполнены только на пути предпросмотра специальных типов.
type RedemptionResult struct {
	Code        string
	CurrentTime string
	OfferName   string
	OfferType   string
}

// ValidateAndProcessDiscountCode проверяет код на кассе поставщика и,
// если тип предложения не требует предпросмотра, списывает код и
// записывает транзакцию.
func (s *Service) ValidateAndProcessDiscountCode(ctx context.Context, supplierID int64, code, currentTime string, amount *float64) (*RedemptionResult, error) {
	if !validation.IsValidDiscountCode(code) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCodeFormat, code)
	}

	at, err := validation.ParsePOSTime(currentTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, currentTime)
	}

	dc, err := s.repo.GetActiveCodeBySupplier(ctx, code, supplierID)
	if err != nil {
		return nil, err
	}

	if !dc.Offer.Redeemable() {
		return nil, repository.ErrOfferNotActive
	}

	hasAmount := amount != nil
	var adjustedCents int64
	if hasAmount {
		adjustedCents = calculateDiscountedAmount(toCents(*amount), dc.Offer)
	}

	// Специальные типы без указанной суммы попадают на путь предпросмотра:
	// касса сначала показывает предложение и только после подтверждения
	// продажи присылает повторный запрос с суммой.
	if dc.Offer.Type.Special() && !hasAmount {
		eligible, err := s.isOfferEligible(ctx, dc, at, adjustedCents, false)
		if err != nil {
			return nil, err
		}
		if eligible {
			return &RedemptionResult{
				Code:        dc.Code,
				CurrentTime: currentTime,
				OfferName:   dc.Offer.Title,
				OfferType:   dc.Offer.Type.String(),
			}, nil
		}
	}

	if err := s.deactivateCodeAndSaveTransaction(ctx, dc, at, adjustedCents, hasAmount); err != nil {
		return nil, err
	}

	return &RedemptionResult{Code: dc.Code, CurrentTime: currentTime}, nil
}

// calculateDiscountedAmount возвращает сумму покупки после применения
// процентной скидки; для остальных типов сумма не меняется.
func calculateDiscountedAmount(originalCents int64, offer *model.Offer) int64 {
	if offer.Type == model.OfferTypePercentage {
		return originalCents * (100 - offer.Amount) / 100
	}
	return originalCents
}

// isOfferEligible проверяет допуск кода к погашению. Нарушения ограничений
// возвращаются ошибками; false без ошибки означает, что код нужно
// деактивировать при окончательном погашении.
func (s *Service) isOfferEligible(ctx context.Context, dc *model.DiscountCode, at time.Time, amountCents int64, checkForExistingRestrictions bool) (bool, error) {
	res := dc.Offer.Restriction
	if res == nil {
		return !checkForExistingRestrictions, nil
	}

	if checkForExistingRestrictions && res.WithoutValidConditions() {
		return false, nil
	}

	last, err := s.repo.GetLastTransaction(ctx, dc.UserID, dc.OfferID)
	if err != nil {
		return false, err
	}
	var lastUse *time.Time
	if last != nil {
		lastUse = &last.CreatedAt
	}

	if res.ViolatesFrequency(at, lastUse) {
		return false, ErrFrequencyLimit
	}
	if res.ViolatesTimeWindow(at) {
		return false, ErrOutsideTimeWindow
	}
	if res.ViolatesPriceBand(amountCents, checkForExistingRestrictions) {
		return false, ErrPriceOutOfRange
	}

	return true, nil
}

// deactivateCodeAndSaveTransaction завершает погашение: при отсутствии
// применимых условий деактивирует код и в любом случае записывает ровно
// одну транзакцию — с пересчитанной суммой либо с суммой самого предложения.
func (s *Service) deactivateCodeAndSaveTransaction(ctx context.Context, dc *model.DiscountCode, at time.Time, adjustedCents int64, hasAmount bool) error {
	eligible, err := s.isOfferEligible(ctx, dc, at, adjustedCents, true)
	if err != nil {
		return err
	}

	deactivate := !eligible
	if res := dc.Offer.Restriction; res != nil && res.Frequency != nil && *res.Frequency == model.FrequencySingleUse {
		// Одноразовые коды списываются безвозвратно здесь, а не в проверке
		// частоты: повторная попытка завершится ошибкой поиска кода.
		deactivate = true
	}

	if deactivate {
		if _, err := s.repo.DeactivateCode(ctx, dc.ID); err != nil {
			return err
		}
	}

	amountCents := adjustedCents
	if !hasAmount {
		amountCents = dc.Offer.Amount
	}

	if _, err := s.repo.CreateTransaction(ctx, dc.ID, amountCents, at); err != nil {
		return err
	}

	return nil
}

// StartOfferExpiry запускает фоновый процесс перевода просроченных
// предложений в статус EXPIRED.
func (s *Service) StartOfferExpiry(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.ExpireOffers(ctx, time.Now().UTC())
			}
		}
	}()
}
