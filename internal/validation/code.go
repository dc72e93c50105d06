// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"time"
)

var codePattern = regexp.MustCompile(`^[0-9A-Za-z]{5}$`)

// posTimeLayout — формат времени, который присылает касса: локальное время
// точки продаж без часового пояса.
const posTimeLayout = "01/02/2006, 15:04:05"

// IsValidDiscountCode проверяет формат скидочного кода: ровно пять
// латинских букв или цифр.
func IsValidDiscountCode(code string) bool {
	return codePattern.MatchString(code)
}

// ParsePOSTime разбирает строку времени кассы в формате "MM/dd/yyyy, HH:mm:ss".
// Преобразование часовых поясов не выполняется: касса отвечает за отправку
// локального времени своей точки.
func ParsePOSTime(value string) (time.Time, error) {
	return time.Parse(posTimeLayout, value)
}
