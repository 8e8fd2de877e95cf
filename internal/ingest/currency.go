package ingest

import (
	"sort"
	"strings"
)

var knownCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CNY": {}, "INR": {}, "BRL": {}, "MXN": {},
	"PEN": {}, "COP": {}, "ARS": {}, "CLP": {}, "BOB": {}, "VES": {}, "UYU": {}, "PYG": {},
	"CAD": {}, "AUD": {}, "NZD": {}, "CHF": {}, "SEK": {}, "NOK": {}, "DKK": {}, "PLN": {},
	"CZK": {}, "HUF": {}, "RON": {}, "BGN": {}, "RUB": {}, "TRY": {}, "ZAR": {}, "KRW": {},
	"SGD": {}, "HKD": {}, "TWD": {}, "THB": {}, "MYR": {}, "IDR": {}, "PHP": {}, "VND": {},
	"PKR": {}, "BDT": {}, "EGP": {}, "NGN": {}, "KES": {}, "GHS": {}, "MAD": {}, "AED": {},
	"SAR": {}, "ILS": {}, "QAR": {}, "KWD": {}, "BHD": {}, "OMR": {}, "KZT": {}, "UAH": {},
	"GEL": {}, "CRC": {}, "GTQ": {}, "DOP": {},
}

// commonCurrencies score higher in field confidence.
var commonCurrencies = map[string]bool{
	"USD": true, "PEN": true, "COP": true, "MXN": true, "EUR": true,
}

// dollarSignCurrencies write amounts with a bare "$" and call them pesos or dollars.
var dollarSignCurrencies = map[string]bool{
	"USD": true, "COP": true, "MXN": true, "ARS": true, "CLP": true, "UYU": true, "CAD": true, "AUD": true,
}

var pesoCurrencies = map[string]bool{
	"COP": true, "MXN": true, "ARS": true, "CLP": true, "UYU": true, "DOP": true,
}

var currencySymbols = map[string]string{
	"s/":  "PEN",
	"s/.": "PEN",
	"r$":  "BRL",
	"us$": "USD",
	"u$s": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₽":   "RUB",
	"₹":   "INR",
	"₩":   "KRW",
	"₴":   "UAH",
	"₸":   "KZT",
	"₺":   "TRY",
	"₡":   "CRC",
}

// symbolsByLength lets containment checks try "s/." before "s/".
var symbolsByLength = func() []string {
	out := make([]string, 0, len(currencySymbols))
	for s := range currencySymbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// currencyNames holds folded (accent-free, lower-case) names.
var currencyNames = map[string]string{
	"sol": "PEN", "soles": "PEN", "nuevo sol": "PEN", "nuevos soles": "PEN", "lucas": "PEN",
	"dolar": "USD", "dolares": "USD", "dollar": "USD", "dollars": "USD", "bucks": "USD", "dolar americano": "USD",
	"euro": "EUR", "euros": "EUR", "evro": "EUR", "евро": "EUR",
	"real": "BRL", "reais": "BRL", "reales": "BRL",
	"libra": "GBP", "libras": "GBP", "pound": "GBP", "pounds": "GBP", "sterling": "GBP",
	"yen": "JPY", "yenes": "JPY",
	"yuan": "CNY", "renminbi": "CNY",
	"rupee": "INR", "rupees": "INR", "rupia": "INR", "rupias": "INR",
	"rublo": "RUB", "rublos": "RUB", "ruble": "RUB", "rubles": "RUB", "rouble": "RUB", "roubles": "RUB",
	"рубль": "RUB", "рублеи": "RUB", "рубля": "RUB", "руб": "RUB", "р": "RUB",
	"доллар": "USD", "доллара": "USD", "долларов": "USD",
	"boliviano": "BOB", "bolivianos": "BOB",
	"bolivar": "VES", "bolivares": "VES",
	"guarani": "PYG", "guaranies": "PYG",
	"quetzal": "GTQ", "quetzales": "GTQ",
	"colon": "CRC", "colones": "CRC",
	"franco": "CHF", "francos": "CHF", "franc": "CHF", "francs": "CHF",
	"lira": "TRY", "liras": "TRY",
	"hryvnia": "UAH", "гривна": "UAH", "гривен": "UAH",
	"tenge": "KZT", "тенге": "KZT",
}

func IsKnownCurrency(code string) bool {
	_, ok := knownCurrencies[code]
	return ok
}

func isCommonCurrency(code string) bool {
	return commonCurrencies[code]
}

// resolveCurrency maps a free-form token to an ISO 4217 code. The second
// result is false when the token could not be resolved.
func resolveCurrency(token, home string) (string, bool) {
	raw := strings.ToLower(strings.TrimSpace(token))
	if raw == "" {
		return "", false
	}

	if upper := strings.ToUpper(raw); len(upper) == 3 && IsKnownCurrency(upper) {
		return upper, true
	}
	if code, ok := currencySymbols[raw]; ok {
		return code, true
	}
	if raw == "$" {
		return dollarSign(home), true
	}

	ws := words(raw)
	if code, ok := lookupName(strings.Join(ws, " "), home); ok {
		return code, true
	}
	for _, w := range ws {
		if upper := strings.ToUpper(w); len(upper) == 3 && IsKnownCurrency(upper) {
			return upper, true
		}
		if code, ok := lookupName(w, home); ok {
			return code, true
		}
	}

	for _, symbol := range symbolsByLength {
		if strings.Contains(raw, symbol) {
			return currencySymbols[symbol], true
		}
	}
	if strings.Contains(raw, "$") {
		return dollarSign(home), true
	}

	return "", false
}

func lookupName(name, home string) (string, bool) {
	if name == "peso" || name == "pesos" {
		if pesoCurrencies[home] {
			return home, true
		}
		return "", false
	}
	code, ok := currencyNames[name]
	return code, ok
}

func dollarSign(home string) string {
	if dollarSignCurrencies[home] {
		return home
	}
	return "USD"
}
