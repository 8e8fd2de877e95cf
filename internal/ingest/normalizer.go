package ingest

import (
	"strings"

	"expense-ingest/internal/models"

	"github.com/shopspring/decimal"
)

const merchantMaxRunes = 255

var methodKeywords = []struct {
	method   models.PaymentMethod
	keywords []string
}{
	{models.PaymentTransfer, []string{
		"transfer", "transferencia", "transferi", "bank transfer", "wire", "yape", "plin", "pix",
		"nequi", "daviplata", "zelle", "перевод", "переводом", "сбп",
	}},
	{models.PaymentCard, []string{
		"card", "tarjeta", "credito", "debito", "credit", "debit", "cartao", "visa", "mastercard",
		"master card", "amex", "american express", "diners", "карта", "картой", "карточкой",
	}},
	{models.PaymentCash, []string{
		"cash", "efectivo", "contado", "dinheiro", "especie", "наличные", "наличными", "нал",
	}},
}

var cardBrands = []struct {
	keyword string
	name    string
}{
	{"american express", "Amex"},
	{"amex", "Amex"},
	{"master card", "Mastercard"},
	{"mastercard", "Mastercard"},
	{"visa", "Visa"},
	{"diners", "Diners"},
	{"мир", "Mir"},
}

// Normalizer turns provider drafts into the canonical expense shape. It is
// pure: every substitution it makes is recorded in the provenance fallbacks.
type Normalizer struct {
	homeCurrency     string
	rules            []CategoryRule
	descriptionLimit int
}

func NewNormalizer(cfg Config, rules []CategoryRule) *Normalizer {
	return &Normalizer{
		homeCurrency:     cfg.HomeCurrency,
		rules:            rules,
		descriptionLimit: cfg.DescriptionMaxRunes,
	}
}

// Normalize canonicalizes draft. sourceText is the transcript or OCR text
// when the modality has one, otherwise the raw text. The returned expense is
// always usable; a *NormalizationError reports a missing or non-positive
// amount, in which case the amount is zero.
func (n *Normalizer) Normalize(draft *models.ExtractionDraft, sourceText string) (*models.Expense, error) {
	if draft == nil {
		draft = &models.ExtractionDraft{}
	}
	exp := &models.Expense{}

	var normErr error
	switch {
	case draft.Amount == nil:
		exp.Amount = decimal.Zero
		normErr = &NormalizationError{Field: "amount", Reason: "missing"}
	case !draft.Amount.IsPositive():
		exp.Amount = decimal.Zero
		normErr = &NormalizationError{Field: "amount", Reason: "not positive: " + draft.Amount.String()}
	case !draft.Amount.Round(2).IsPositive():
		exp.Amount = decimal.Zero
		normErr = &NormalizationError{Field: "amount", Reason: "rounds to zero: " + draft.Amount.String()}
	default:
		exp.Amount = draft.Amount.Round(2)
	}

	n.resolveCurrency(exp, draft.CurrencyToken)
	exp.Description = n.resolveDescription(exp, draft.Description, sourceText)
	n.resolveCategory(exp, draft.CategoryToken, draft.Description, draft.Merchant)
	n.resolveMethod(exp, draft.MethodToken, draft.InstrumentHint, sourceText)

	if merchant := strings.TrimSpace(sanitizeUTF8(draft.Merchant)); merchant != "" {
		merchant = truncateRunes(merchant, merchantMaxRunes)
		exp.Merchant = &merchant
	}
	if draft.OccurredAt != nil {
		occurred := draft.OccurredAt.UTC()
		exp.OccurredAt = &occurred
	}
	exp.Provenance.LineItems = draft.LineItems

	return exp, normErr
}

// forHome returns a normalizer that falls back to home instead of the
// configured currency. An empty home returns n.
func (n *Normalizer) forHome(home string) *Normalizer {
	if home == "" || home == n.homeCurrency {
		return n
	}
	c := *n
	c.homeCurrency = home
	return &c
}

func (n *Normalizer) resolveCurrency(exp *models.Expense, token string) {
	if code, ok := resolveCurrency(token, n.homeCurrency); ok {
		exp.Currency = code
		return
	}
	exp.Currency = n.homeCurrency
	reason := "no currency in input"
	if strings.TrimSpace(token) != "" {
		reason = "unrecognized currency token"
	}
	exp.Provenance.AddFallback(models.FieldCurrency, n.homeCurrency, reason)
}

func (n *Normalizer) resolveDescription(exp *models.Expense, description, sourceText string) string {
	if d := collapseWhitespace(sanitizeUTF8(description)); d != "" {
		return truncateRunes(d, n.descriptionLimit)
	}
	fallback := truncateRunes(collapseWhitespace(sanitizeUTF8(sourceText)), n.descriptionLimit)
	if fallback != "" {
		exp.Provenance.AddFallback(models.FieldDescription, fallback, "provider returned no description")
	}
	return fallback
}

func (n *Normalizer) resolveCategory(exp *models.Expense, token, description, merchant string) {
	slug := models.Category(strings.Join(words(token), "_"))
	if slug.Valid() && slug != models.CategoryMisc {
		exp.Category = slug
		return
	}
	if category, ok := matchCategory(n.rules, token); ok {
		exp.Category = category
		return
	}
	if category, ok := matchCategory(n.rules, description+" "+merchant); ok {
		exp.Category = category
		return
	}
	exp.Category = models.CategoryMisc
	exp.Provenance.AddFallback(models.FieldCategory, string(models.CategoryMisc), "no category rule matched")
}

func (n *Normalizer) resolveMethod(exp *models.Expense, token, hint, sourceText string) {
	method, ok := matchMethod(token)
	if !ok {
		method = models.PaymentCash
		exp.Provenance.AddFallback(models.FieldMethod, string(models.PaymentCash), "no payment method in input")
	}
	exp.PaymentMethod = method

	instrument := strings.TrimSpace(sanitizeUTF8(hint))
	if instrument == "" && method == models.PaymentCard {
		if brand, ok := matchCardBrand(token); ok {
			instrument = brand
		} else if brand, ok := matchCardBrand(sourceText); ok {
			instrument = brand
		}
	}
	if instrument != "" {
		instrument = truncateRunes(instrument, 64)
		exp.InstrumentHint = &instrument
	}
}

func matchMethod(token string) (models.PaymentMethod, bool) {
	haystack := phrase(token)
	if haystack == "" {
		return "", false
	}
	if m := models.PaymentMethod(haystack); m.Valid() {
		return m, true
	}
	for _, group := range methodKeywords {
		for _, kw := range group.keywords {
			if containsPhrase(haystack, phrase(kw)) {
				return group.method, true
			}
		}
	}
	return "", false
}

func matchCardBrand(text string) (string, bool) {
	haystack := phrase(text)
	for _, brand := range cardBrands {
		if containsPhrase(haystack, phrase(brand.keyword)) {
			return brand.name, true
		}
	}
	return "", false
}
