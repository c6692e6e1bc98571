package pricehistory

import "fmt"

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"RUB": "₽",
	"ARS": "ARS$",
	"TRY": "₺",
	"BRL": "R$",
	"GBP": "£",
}

// wholeUnitCurrencies are rendered without decimals.
var wholeUnitCurrencies = map[string]bool{"RUB": true}

// FormatPrice renders a minor-unit amount for display, e.g. 599 USD -> "$5.99".
func FormatPrice(minor int64, currency string) string {
	if minor == 0 {
		return "Free"
	}
	symbol, ok := currencySymbols[currency]
	if !ok {
		symbol = currency + " "
	}
	if wholeUnitCurrencies[currency] {
		return fmt.Sprintf("%d %s", minor/100, symbol)
	}
	return fmt.Sprintf("%s%d.%02d", symbol, minor/100, minor%100)
}

// Savings describes how much a discount saves, or "" when there is none.
func Savings(initial, final int64, currency string) string {
	if initial <= final {
		return ""
	}
	return "Save " + FormatPrice(initial-final, currency)
}

// PriceText is the one-line price description carried by notifications.
func PriceText(n DueNotification) string {
	text := fmt.Sprintf("%s (-%d%%)", FormatPrice(n.FinalPrice, n.Currency), n.DiscountPercent)
	if s := Savings(n.InitialPrice, n.FinalPrice, n.Currency); s != "" {
		text += ", " + s
	}
	return text
}
