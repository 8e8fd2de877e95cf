package models

// Fallback field names recorded in provenance.
const (
	FieldCurrency    = "currency"
	FieldCategory    = "category"
	FieldMethod      = "payment_method"
	FieldDescription = "description"
)

type Fallback struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

type FieldScores struct {
	Amount      float64 `json:"amount"`
	Currency    float64 `json:"currency"`
	Description float64 `json:"description"`
	Category    float64 `json:"category"`
	Method      float64 `json:"method"`
}

// Signals records every confidence input used for the composite, including
// which ones were substituted by defaults.
type Signals struct {
	Speech          *float64     `json:"speech,omitempty"`
	SpeechDefaulted bool         `json:"speech_defaulted,omitempty"`
	Extraction      *float64     `json:"extraction,omitempty"`
	Reported        *float64     `json:"reported,omitempty"`
	Parser          *float64     `json:"parser,omitempty"`
	ParserDefaulted bool         `json:"parser_defaulted,omitempty"`
	FieldScores     *FieldScores `json:"field_scores,omitempty"`
	Penalties       int          `json:"penalties"`
}

type Provenance struct {
	Modality         Modality   `json:"modality"`
	Providers        []string   `json:"providers"`
	SourceText       string     `json:"source_text,omitempty"`
	DetectedLanguage string     `json:"detected_language,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds,omitempty"`
	DeliveryID       string     `json:"delivery_id,omitempty"`
	ContentType      string     `json:"content_type,omitempty"`
	PayloadSize      int        `json:"payload_size,omitempty"`
	Fallbacks        []Fallback `json:"fallbacks,omitempty"`
	Signals          Signals    `json:"signals"`
	Defects          []string   `json:"defects,omitempty"`
	LineItems        []LineItem `json:"line_items,omitempty"`
}

func (p *Provenance) AddFallback(field, value, reason string) {
	p.Fallbacks = append(p.Fallbacks, Fallback{Field: field, Value: value, Reason: reason})
}

func (p *Provenance) HasFallback(field string) bool {
	for _, f := range p.Fallbacks {
		if f.Field == field {
			return true
		}
	}
	return false
}
