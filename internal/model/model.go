// Package model содержит доменные сущности платформы городских льгот.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleCitizen  Role = "citizen"
	RoleSupplier Role = "supplier"
)

// Valid сообщает, является ли значение роли допустимым.
func (r Role) Valid() bool {
	return r == RoleCitizen || r == RoleSupplier
}

// User представляет зарегистрированного пользователя платформы:
// горожанина, получающего скидки, или кассира поставщика.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// OfferStatus описывает статус модерации предложения.
type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "PENDING"
	OfferStatusActive   OfferStatus = "ACTIVE"
	OfferStatusRejected OfferStatus = "REJECTED"
	OfferStatusExpired  OfferStatus = "EXPIRED"
)

// OfferType определяет семантику скидки предложения.
type OfferType int16

const (
	OfferTypePercentage  OfferType = 1
	OfferTypeBOGO        OfferType = 2
	OfferTypeFixedAmount OfferType = 3
	OfferTypeNoDiscount  OfferType = 4
)

// Special сообщает, требует ли тип предложения двухфазного подтверждения
// на кассе (предпросмотр перед окончательным списанием кода).
func (t OfferType) Special() bool {
	return t == OfferTypePercentage || t == OfferTypeBOGO
}

// Valid сообщает, является ли значение типа предложения допустимым.
func (t OfferType) Valid() bool {
	return t >= OfferTypePercentage && t <= OfferTypeNoDiscount
}

// String возвращает строковое имя типа предложения для ответов API.
func (t OfferType) String() string {
	switch t {
	case OfferTypePercentage:
		return "PERCENTAGE"
	case OfferTypeBOGO:
		return "BOGO"
	case OfferTypeFixedAmount:
		return "FIXED_AMOUNT"
	case OfferTypeNoDiscount:
		return "NO_DISCOUNT"
	default:
		return "UNKNOWN"
	}
}

// Offer описывает опубликованное поставщиком предложение скидки.
// Amount хранит процент (0–100) для процентного типа и копейки для остальных.
type Offer struct {
	ID          int64
	SupplierID  int64
	Title       string
	Description string
	Amount      int64
	Type        OfferType
	Status      OfferStatus
	Active      bool
	StartsAt    time.Time
	ExpiresAt   time.Time
	CodeLimit   *int64
	Restriction *Restriction
	CreatedAt   time.Time
}

// Redeemable сообщает, допущено ли предложение к погашению кодов.
func (o *Offer) Redeemable() bool {
	return o.Status == OfferStatusActive && o.Active
}

// DiscountCode представляет одноразовый код горожанина на одно предложение.
type DiscountCode struct {
	ID        int64
	OfferID   int64
	UserID    int64
	Code      string
	Active    bool
	CreatedAt time.Time

	// Offer заполняется при выборке кода для погашения.
	Offer *Offer
}

// OfferTransaction — неизменяемая запись о состоявшемся погашении кода.
type OfferTransaction struct {
	ID          int64
	CodeID      int64
	AmountCents int64
	CreatedAt   time.Time
}
