package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryDelivery     Category = "delivery"
	CategoryInHouseFood  Category = "in_house_food"
	CategoryOutHouseFood Category = "out_house_food"
	CategoryLodging      Category = "lodging"
	CategoryTransport    Category = "transport"
	CategoryTourism      Category = "tourism"
	CategoryHealthcare   Category = "healthcare"
	CategoryUnexpected   Category = "unexpected"
	CategoryMisc         Category = "misc"
)

// Categories is the closed set every persisted expense draws from.
var Categories = []Category{
	CategoryDelivery,
	CategoryInHouseFood,
	CategoryOutHouseFood,
	CategoryLodging,
	CategoryTransport,
	CategoryTourism,
	CategoryHealthcare,
	CategoryUnexpected,
	CategoryMisc,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCard || m == PaymentTransfer
}

type State string

const (
	StatePendingConfirm State = "pending_confirm"
	StateConfirmed      State = "confirmed"
	StateFlagged        State = "flagged"
)

func (s State) Valid() bool {
	return s == StatePendingConfirm || s == StateConfirmed || s == StateFlagged
}

// Expense is a normalized, scored expense as persisted. Content fields are
// immutable once the record leaves pending_confirm.
type Expense struct {
	ID             uuid.UUID       `db:"id"`
	UserID         uuid.UUID       `db:"user_id"`
	IdentityKey    string          `db:"identity_key"`
	Amount         decimal.Decimal `db:"amount"`
	Currency       string          `db:"currency"`
	Description    string          `db:"description"`
	Category       Category        `db:"category"`
	PaymentMethod  PaymentMethod   `db:"payment_method"`
	Merchant       *string         `db:"merchant"`
	InstrumentHint *string         `db:"instrument_hint"`
	OccurredAt     *time.Time      `db:"occurred_at"`
	Confidence     float64         `db:"confidence"`
	State          State           `db:"state"`
	Provenance     Provenance      `db:"provenance"`
	ArtifactRef    *string         `db:"artifact_ref"`
	ArtifactHash   *string         `db:"artifact_hash"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	ConfirmedAt    *time.Time      `db:"confirmed_at"`
}

// EffectiveTime is the occurrence time, or the ingestion time when unknown.
func (e *Expense) EffectiveTime() time.Time {
	if e.OccurredAt != nil {
		return *e.OccurredAt
	}
	return e.CreatedAt
}

type LineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
}

// ExtractionDraft is a provider's typed guess before normalization.
type ExtractionDraft struct {
	Amount         *decimal.Decimal
	CurrencyToken  string
	Description    string
	CategoryToken  string
	MethodToken    string
	Merchant       string
	InstrumentHint string
	OccurredAt     *time.Time
	Confidence     *float64
	LineItems      []LineItem
}

// Transcript is the speech-to-text provider output.
type Transcript struct {
	Text             string
	DetectedLanguage string
	DurationSeconds  float64
	Confidence       *float64
}

// ParsedReceipt is the document parsing provider output.
type ParsedReceipt struct {
	Merchant       string
	TotalAmount    *decimal.Decimal
	CurrencyToken  string
	CategoryToken  string
	MethodToken    string
	InstrumentHint string
	LineItems      []LineItem
	OccurredAt     *time.Time
	Confidence     *float64
	RawText        string
}
