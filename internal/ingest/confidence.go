package ingest

import (
	"math"
	"unicode/utf8"

	"expense-ingest/internal/models"
)

// penalizedFallbacks are the substitutions that lower trust in a record.
// Defaulting the payment method or filling the description from the source
// text only lowers the field score, so an input like "Gasté 50" carries two
// penalties, not three.
var penalizedFallbacks = []string{models.FieldCurrency, models.FieldCategory}

// Clamp bounds v to [0, 1]. NaN, infinities and negative values map to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 1
	}
	return v
}

// ApplyPenalty discounts score by penalty once per fallback.
func ApplyPenalty(score, penalty float64, fallbacks int) float64 {
	if fallbacks <= 0 {
		return Clamp(score)
	}
	return Clamp(score * math.Pow(Clamp(penalty), float64(fallbacks)))
}

// Composer blends per-stage confidence signals into one score.
type Composer struct {
	cfg Config
}

func NewComposer(cfg Config) *Composer {
	return &Composer{cfg: cfg}
}

// FieldScores grades how clearly each field was identified.
func (c *Composer) FieldScores(exp *models.Expense) models.FieldScores {
	var fs models.FieldScores

	if exp.Amount.IsPositive() {
		fs.Amount = 1.0
	}

	if isCommonCurrency(exp.Currency) && !exp.Provenance.HasFallback(models.FieldCurrency) {
		fs.Currency = 0.9
	} else {
		fs.Currency = 0.6
	}

	switch n := utf8.RuneCountInString(exp.Description); {
	case n >= 5:
		fs.Description = 1.0
	case n >= 3:
		fs.Description = 0.7
	default:
		fs.Description = 0.4
	}

	if exp.Category != models.CategoryMisc {
		fs.Category = 0.9
	} else {
		fs.Category = 0.6
	}

	explicit := !exp.Provenance.HasFallback(models.FieldMethod)
	if explicit && (exp.PaymentMethod == models.PaymentCash || exp.PaymentMethod == models.PaymentCard) {
		fs.Method = 1.0
	} else {
		fs.Method = 0.7
	}

	return fs
}

// ExtractionScore is the weighted sum of field scores.
func (c *Composer) ExtractionScore(fs models.FieldScores) float64 {
	w := c.cfg.Weights
	return Clamp(fs.Amount*w.Amount +
		fs.Currency*w.Currency +
		fs.Description*w.Description +
		fs.Category*w.Category +
		fs.Method*w.Method)
}

// ComposeAudio weights speech recognition against extraction quality.
func (c *Composer) ComposeAudio(speech, extraction float64) float64 {
	return Clamp(Clamp(speech)*c.cfg.SpeechWeight + Clamp(extraction)*c.cfg.ExtractionWeight)
}

// Score computes the composite confidence for exp and records every input
// it used in exp.Provenance.Signals. Signals.Reported, Speech and Parser are
// expected to hold whatever the providers returned. Score never fails.
func (c *Composer) Score(exp *models.Expense) float64 {
	sig := &exp.Provenance.Signals

	var base float64
	switch exp.Provenance.Modality {
	case models.ModalityImage:
		if sig.Parser == nil || math.IsNaN(*sig.Parser) {
			v := c.cfg.DefaultParserConfidence
			sig.Parser = &v
			sig.ParserDefaulted = true
		}
		base = Clamp(*sig.Parser)
	default:
		fs := c.FieldScores(exp)
		extraction := c.ExtractionScore(fs)
		if sig.Reported != nil && !math.IsNaN(*sig.Reported) {
			extraction = math.Max(extraction, Clamp(*sig.Reported))
		}
		sig.FieldScores = &fs
		sig.Extraction = &extraction
		base = extraction

		if exp.Provenance.Modality == models.ModalityAudio {
			if sig.Speech == nil || math.IsNaN(*sig.Speech) {
				v := c.cfg.DefaultSpeechConfidence
				sig.Speech = &v
				sig.SpeechDefaulted = true
			}
			base = c.ComposeAudio(*sig.Speech, extraction)
		}
	}

	sig.Penalties = countPenalized(&exp.Provenance)
	return ApplyPenalty(base, c.cfg.FallbackPenalty, sig.Penalties)
}

func countPenalized(p *models.Provenance) int {
	n := 0
	for _, field := range penalizedFallbacks {
		if p.HasFallback(field) {
			n++
		}
	}
	return n
}
