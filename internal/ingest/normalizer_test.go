package ingest

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"expense-ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer(t *testing.T, home string) *Normalizer {
	t.Helper()

	rules, err := LoadCategoryRules("")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.HomeCurrency = home
	return NewNormalizer(cfg, rules)
}

func fallbackFields(exp *models.Expense) []string {
	var fields []string
	for _, f := range exp.Provenance.Fallbacks {
		fields = append(fields, f.Field)
	}
	return fields
}

func TestNormalize(t *testing.T) {
	occurred := time.Date(2026, 3, 14, 12, 30, 0, 0, time.FixedZone("PET", -5*3600))

	tests := []struct {
		name           string
		home           string
		draft          *models.ExtractionDraft
		source         string
		wantAmount     string
		wantCurrency   string
		wantCategory   models.Category
		wantMethod     models.PaymentMethod
		wantInstrument string
		wantMerchant   string
		wantFallbacks  []string
	}{
		{
			name: "soles groceries cash",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:        dec("20"),
				CurrencyToken: "soles",
				Description:   "groceries",
				CategoryToken: "groceries",
				MethodToken:   "cash",
			},
			source:       "20 soles groceries cash",
			wantAmount:   "20.00",
			wantCurrency: "PEN",
			wantCategory: models.CategoryInHouseFood,
			wantMethod:   models.PaymentCash,
		},
		{
			name: "dollars with card brand in method token",
			home: "PEN",
			draft: &models.ExtractionDraft{
				Amount:        dec("45.50"),
				CurrencyToken: "dólares",
				Description:   "comida en Whole Foods",
				CategoryToken: "supermercado",
				MethodToken:   "tarjeta Visa",
				Merchant:      "Whole Foods",
			},
			wantAmount:     "45.50",
			wantCurrency:   "USD",
			wantCategory:   models.CategoryInHouseFood,
			wantMethod:     models.PaymentCard,
			wantInstrument: "Visa",
			wantMerchant:   "Whole Foods",
		},
		{
			name: "no currency no category cues",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:      dec("50"),
				Description: "Gasté 50",
			},
			source:        "Gasté 50",
			wantAmount:    "50.00",
			wantCurrency:  "USD",
			wantCategory:  models.CategoryMisc,
			wantMethod:    models.PaymentCash,
			wantFallbacks: []string{models.FieldCurrency, models.FieldCategory, models.FieldMethod},
		},
		{
			name: "bare dollar sign follows a peso home currency",
			home: "COP",
			draft: &models.ExtractionDraft{
				Amount:        dec("15000"),
				CurrencyToken: "$",
				Description:   "taxi al aeropuerto",
				MethodToken:   "nequi",
			},
			wantAmount:   "15000.00",
			wantCurrency: "COP",
			wantCategory: models.CategoryTransport,
			wantMethod:   models.PaymentTransfer,
		},
		{
			name: "pesos outside a peso country are unresolved",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:        dec("120"),
				CurrencyToken: "pesos",
				Description:   "museo",
				CategoryToken: "tourism",
				MethodToken:   "efectivo",
			},
			wantAmount:    "120.00",
			wantCurrency:  "USD",
			wantCategory:  models.CategoryTourism,
			wantMethod:    models.PaymentCash,
			wantFallbacks: []string{models.FieldCurrency},
		},
		{
			name: "symbol with dot and amount rounding",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:        dec("12.345"),
				CurrencyToken: "S/.",
				Description:   "Farmacia",
				MethodToken:   "Mastercard",
			},
			wantAmount:     "12.35",
			wantCurrency:   "PEN",
			wantCategory:   models.CategoryHealthcare,
			wantMethod:     models.PaymentCard,
			wantInstrument: "Mastercard",
		},
		{
			name: "explicit instrument hint wins over brand detection",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:         dec("80"),
				CurrencyToken:  "EUR",
				Description:    "hotel night",
				MethodToken:    "credit card",
				InstrumentHint: "Visa ***4532",
			},
			wantAmount:     "80.00",
			wantCurrency:   "EUR",
			wantCategory:   models.CategoryLodging,
			wantMethod:     models.PaymentCard,
			wantInstrument: "Visa ***4532",
		},
		{
			name: "delivery rule comes before transport",
			home: "USD",
			draft: &models.ExtractionDraft{
				Amount:        dec("18.90"),
				CurrencyToken: "usd",
				Description:   "uber eats pizza",
				MethodToken:   "card",
			},
			wantAmount:   "18.90",
			wantCurrency: "USD",
			wantCategory: models.CategoryDelivery,
			wantMethod:   models.PaymentCard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer(t, tt.home)
			draft := tt.draft
			draft.OccurredAt = &occurred

			exp, err := n.Normalize(draft, tt.source)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAmount, exp.Amount.StringFixed(2))
			assert.Equal(t, tt.wantCurrency, exp.Currency)
			assert.Equal(t, tt.wantCategory, exp.Category)
			assert.Equal(t, tt.wantMethod, exp.PaymentMethod)
			assert.Equal(t, tt.wantFallbacks, fallbackFields(exp))

			if tt.wantInstrument == "" {
				assert.Nil(t, exp.InstrumentHint)
			} else {
				require.NotNil(t, exp.InstrumentHint)
				assert.Equal(t, tt.wantInstrument, *exp.InstrumentHint)
			}
			if tt.wantMerchant == "" {
				assert.Nil(t, exp.Merchant)
			} else {
				require.NotNil(t, exp.Merchant)
				assert.Equal(t, tt.wantMerchant, *exp.Merchant)
			}

			require.NotNil(t, exp.OccurredAt)
			assert.Equal(t, time.UTC, exp.OccurredAt.Location())
			assert.True(t, exp.OccurredAt.Equal(occurred))
		})
	}
}

func TestNormalizeAmountDefects(t *testing.T) {
	n := newTestNormalizer(t, "USD")

	tests := []struct {
		name   string
		amount string
	}{
		{"missing", ""},
		{"zero", "0"},
		{"negative", "-12.50"},
		{"rounds to zero", "0.004"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := &models.ExtractionDraft{CurrencyToken: "PEN", Description: "taxi"}
			if tt.amount != "" {
				draft.Amount = dec(tt.amount)
			}

			exp, err := n.Normalize(draft, "taxi")
			require.Error(t, err)

			var normErr *NormalizationError
			require.ErrorAs(t, err, &normErr)
			assert.Equal(t, "amount", normErr.Field)

			require.NotNil(t, exp)
			assert.True(t, exp.Amount.IsZero())
			assert.Equal(t, "PEN", exp.Currency)
			assert.Equal(t, models.CategoryTransport, exp.Category)
		})
	}
}

func TestNormalizeDescriptionFallback(t *testing.T) {
	n := newTestNormalizer(t, "USD")
	source := "  pagué   " + strings.Repeat("mucho ", 40) + "dinero  "

	exp, err := n.Normalize(&models.ExtractionDraft{Amount: dec("10")}, source)
	require.NoError(t, err)

	assert.Equal(t, 100, utf8.RuneCountInString(exp.Description))
	assert.True(t, strings.HasPrefix(exp.Description, "pagué mucho mucho"))
	assert.True(t, strings.HasSuffix(exp.Description, "..."))
	assert.Contains(t, fallbackFields(exp), models.FieldDescription)
}

func TestNormalizeNilDraft(t *testing.T) {
	n := newTestNormalizer(t, "MXN")

	exp, err := n.Normalize(nil, "")
	require.Error(t, err)
	assert.Equal(t, "MXN", exp.Currency)
	assert.Equal(t, models.CategoryMisc, exp.Category)
	assert.Equal(t, models.PaymentCash, exp.PaymentMethod)
	assert.Empty(t, exp.Description)
}

func TestResolveCurrency(t *testing.T) {
	tests := []struct {
		token string
		home  string
		want  string
		ok    bool
	}{
		{"PEN", "USD", "PEN", true},
		{"eur", "USD", "EUR", true},
		{"R$", "USD", "BRL", true},
		{"€", "USD", "EUR", true},
		{"Nuevos Soles", "USD", "PEN", true},
		{"reais", "USD", "BRL", true},
		{"рублей", "USD", "RUB", true},
		{"рубля", "USD", "RUB", true},
		{"US$", "PEN", "USD", true},
		{"$", "PEN", "USD", true},
		{"$", "MXN", "MXN", true},
		{"pesos mexicanos", "MXN", "MXN", true},
		{"pesos", "PEN", "", false},
		{"XYZ", "USD", "", false},
		{"", "USD", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.token+"/"+tt.home, func(t *testing.T) {
			got, ok := resolveCurrency(tt.token, tt.home)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCategoryRules(t *testing.T) {
	rules, err := ParseCategoryRules([]byte(`
rules:
  - category: transport
    keywords: ["Colectivo", "  "]
  - category: healthcare
    keywords: [Botica]
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, []string{"colectivo"}, rules[0].Keywords)

	category, ok := matchCategory(rules, "pagué el COLECTIVO")
	assert.True(t, ok)
	assert.Equal(t, models.CategoryTransport, category)

	_, err = ParseCategoryRules([]byte("rules:\n  - category: misc\n    keywords: [x]\n"))
	assert.Error(t, err)

	_, err = ParseCategoryRules([]byte("rules: []\n"))
	assert.Error(t, err)
}

func TestNormalizeRoundsToCents(t *testing.T) {
	n := newTestNormalizer(t, "USD")

	exp, err := n.Normalize(&models.ExtractionDraft{Amount: dec("0.005"), Description: "chicle"}, "")
	require.NoError(t, err)
	assert.Equal(t, "0.01", exp.Amount.StringFixed(2))

	exp, err = n.Normalize(&models.ExtractionDraft{Amount: dec("100000000000000"), Description: "casa"}, "")
	require.NoError(t, err, "the ceiling is a validator defect, not a normalization error")
	assert.Equal(t, "100000000000000.00", exp.Amount.StringFixed(2))
}

func TestNormalizeUnexpectedCategory(t *testing.T) {
	n := newTestNormalizer(t, "USD")

	tests := []struct {
		name        string
		token       string
		description string
		want        models.Category
	}{
		{"slug from provider", "unexpected", "arreglo del carro", models.CategoryUnexpected},
		{"keywords in description", "", "gasto imprevisto emergencia", models.CategoryUnexpected},
		{"english keyword", "", "unplanned repair", models.CategoryUnexpected},
		{"specific category wins", "", "emergencia en la farmacia", models.CategoryHealthcare},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := n.Normalize(&models.ExtractionDraft{
				Amount:        dec("80"),
				CurrencyToken: "PEN",
				CategoryToken: tt.token,
				Description:   tt.description,
			}, tt.description)
			require.NoError(t, err)
			assert.Equal(t, tt.want, exp.Category)
			assert.NotContains(t, fallbackFields(exp), models.FieldCategory)
		})
	}
}

func TestNormalizerForHome(t *testing.T) {
	n := newTestNormalizer(t, "USD")
	assert.Same(t, n, n.forHome(""))
	assert.Same(t, n, n.forHome("USD"))

	draft := &models.ExtractionDraft{Amount: dec("12"), Description: "taxi"}
	exp, err := n.forHome("PEN").Normalize(draft, "")
	require.NoError(t, err)
	assert.Equal(t, "PEN", exp.Currency)
	require.Len(t, exp.Provenance.Fallbacks, 2)
	assert.Equal(t, models.FieldCurrency, exp.Provenance.Fallbacks[0].Field)
	assert.Equal(t, "PEN", exp.Provenance.Fallbacks[0].Value)

	exp, err = n.Normalize(draft, "")
	require.NoError(t, err)
	assert.Equal(t, "USD", exp.Currency, "the shared normalizer keeps its own home currency")
}
