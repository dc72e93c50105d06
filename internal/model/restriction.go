package model

import "time"

// UsageFrequency задаёт период, в течение которого код можно погасить
// не более одного раза.
type UsageFrequency string

const (
	FrequencyDaily     UsageFrequency = "DAILY"
	FrequencyWeekly    UsageFrequency = "WEEKLY"
	FrequencyMonthly   UsageFrequency = "MONTHLY"
	FrequencyYearly    UsageFrequency = "YEARLY"
	FrequencySingleUse UsageFrequency = "SINGLE_USE"
)

// Valid сообщает, является ли значение частоты использования допустимым.
func (f UsageFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly, FrequencySingleUse:
		return true
	default:
		return false
	}
}

// Restriction — необязательная политика допуска, привязанная к предложению.
// Ценовые границы хранятся в копейках, границы времени суток — в минутах
// от полуночи UTC. Все проверочные методы — чистые функции без побочных
// эффектов, чтобы их можно было тестировать отдельно от хранилища.
type Restriction struct {
	ID             int64
	OfferID        int64
	AgeRestriction *int16
	Frequency      *UsageFrequency
	MinPriceCents  *int64
	MaxPriceCents  *int64
	TimeFrom       *int16
	TimeTo         *int16
}

// WithoutValidConditions сообщает, что у ограничения нет ни одного
// механически проверяемого условия, но возрастное ограничение задано.
// Такое ограничение нельзя применить на кассе, поэтому код должен быть
// деактивирован при первом же использовании.
func (r *Restriction) WithoutValidConditions() bool {
	return r.Frequency == nil &&
		r.TimeFrom == nil &&
		r.TimeTo == nil &&
		r.MinPriceCents == nil &&
		r.MaxPriceCents == nil &&
		r.AgeRestriction != nil
}

// ViolatesTimeWindow сообщает, выходит ли момент погашения за пределы
// разрешённого окна времени суток. Границы окна включительные.
func (r *Restriction) ViolatesTimeWindow(at time.Time) bool {
	if r.TimeFrom == nil || r.TimeTo == nil {
		return false
	}

	minutes := int16(at.Hour()*60 + at.Minute())
	return minutes < *r.TimeFrom || minutes > *r.TimeTo
}

// ViolatesFrequency сообщает, попадает ли предыдущее погашение в текущий
// период частоты использования. SINGLE_USE здесь нарушением не считается:
// одноразовость обеспечивается безвозвратной деактивацией кода.
func (r *Restriction) ViolatesFrequency(at time.Time, lastUse *time.Time) bool {
	if r.Frequency == nil || lastUse == nil {
		return false
	}

	switch *r.Frequency {
	case FrequencyDaily:
		return sameDay(at, *lastUse)
	case FrequencyWeekly:
		return sameISOWeek(at, *lastUse)
	case FrequencyMonthly:
		return at.Year() == lastUse.Year() && at.Month() == lastUse.Month()
	case FrequencyYearly:
		return at.Year() == lastUse.Year()
	case FrequencySingleUse:
		return false
	default:
		// Неизвестное значение частоты намеренно не считается нарушением:
		// иначе новое значение в БД мгновенно заблокировало бы все коды.
		return false
	}
}

// ViolatesPriceBand сообщает, выходит ли сумма покупки за ценовой коридор.
// Нулевая сумма означает, что касса не передала сумму; на пути предпросмотра
// (restrictionsMandatory=false) проверка в этом случае пропускается.
func (r *Restriction) ViolatesPriceBand(amountCents int64, restrictionsMandatory bool) bool {
	if r.MinPriceCents == nil && r.MaxPriceCents == nil {
		return false
	}

	if amountCents == 0 && !restrictionsMandatory {
		return false
	}

	if r.MinPriceCents != nil && amountCents < *r.MinPriceCents {
		return true
	}
	if r.MaxPriceCents != nil && amountCents > *r.MaxPriceCents {
		return true
	}

	return false
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func sameISOWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}
