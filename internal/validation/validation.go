// Package validation содержит функции валидации входных данных.
package validation

import (
	"github.com/shopspring/decimal"
)

var paymentMethods = map[string]struct{}{
	"bitcoin":       {},
	"ethereum":      {},
	"usdt":          {},
	"bank_transfer": {},
}

// IsValidPaymentMethod проверяет, что способ оплаты поддерживается платформой.
func IsValidPaymentMethod(method string) bool {
	_, ok := paymentMethods[method]
	return ok
}

// IsValidWalletAddress проверяет адрес кошелька получателя.
func IsValidWalletAddress(address string) bool {
	if len(address) < 10 || len(address) > 255 {
		return false
	}
	for _, r := range address {
		valid := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		if !valid {
			return false
		}
	}
	return true
}

// IsValidAmount проверяет, что сумма положительна и содержит
// не больше двух знаков после запятой.
func IsValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Exponent() >= -2
}
