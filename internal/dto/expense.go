package dto

import (
	"time"

	"expense-ingest/internal/models"
)

type IngestTextRequest struct {
	Text       string `json:"text" validate:"required"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Language   string `json:"language,omitempty"`
}

type IngestResponse struct {
	RecordID    string   `json:"record_id"`
	IdentityKey string   `json:"identity_key"`
	State       string   `json:"state"`
	Confidence  float64  `json:"confidence"`
	Duplicate   bool     `json:"duplicate"`
	DuplicateOf string   `json:"duplicate_of,omitempty"`
	Defects     []string `json:"defects,omitempty"`
}

type StateRequest struct {
	State string `json:"state" validate:"required,oneof=confirmed flagged"`
}

type ExpenseResponse struct {
	ID             string             `json:"id"`
	Amount         string             `json:"amount"`
	Currency       string             `json:"currency"`
	Description    string             `json:"description"`
	Category       string             `json:"category"`
	PaymentMethod  string             `json:"payment_method"`
	Merchant       string             `json:"merchant,omitempty"`
	InstrumentHint string             `json:"instrument_hint,omitempty"`
	OccurredAt     string             `json:"occurred_at,omitempty"`
	Confidence     float64            `json:"confidence"`
	State          string             `json:"state"`
	ArtifactRef    string             `json:"artifact_ref,omitempty"`
	Provenance     *models.Provenance `json:"provenance,omitempty"`
	CreatedAt      string             `json:"created_at"`
	ConfirmedAt    string             `json:"confirmed_at,omitempty"`
}

type RawInputResponse struct {
	ID          string `json:"id"`
	Modality    string `json:"modality"`
	DeliveryID  string `json:"delivery_id,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	PayloadSize int    `json:"payload_size"`
	PayloadHash string `json:"payload_hash"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	ReceivedAt  string `json:"received_at"`
}

// NewExpenseResponse renders an expense; provenance is included only when
// withProvenance is set.
func NewExpenseResponse(exp *models.Expense, withProvenance bool) ExpenseResponse {
	resp := ExpenseResponse{
		ID:            exp.ID.String(),
		Amount:        exp.Amount.StringFixed(2),
		Currency:      exp.Currency,
		Description:   exp.Description,
		Category:      string(exp.Category),
		PaymentMethod: string(exp.PaymentMethod),
		Confidence:    exp.Confidence,
		State:         string(exp.State),
		CreatedAt:     exp.CreatedAt.Format(time.RFC3339),
	}
	if exp.Merchant != nil {
		resp.Merchant = *exp.Merchant
	}
	if exp.InstrumentHint != nil {
		resp.InstrumentHint = *exp.InstrumentHint
	}
	if exp.OccurredAt != nil {
		resp.OccurredAt = exp.OccurredAt.Format(time.RFC3339)
	}
	if exp.ArtifactRef != nil {
		resp.ArtifactRef = *exp.ArtifactRef
	}
	if exp.ConfirmedAt != nil {
		resp.ConfirmedAt = exp.ConfirmedAt.Format(time.RFC3339)
	}
	if withProvenance {
		prov := exp.Provenance
		resp.Provenance = &prov
	}
	return resp
}

func NewRawInputResponse(rec *models.RawInputRecord) RawInputResponse {
	resp := RawInputResponse{
		ID:          rec.ID.String(),
		Modality:    string(rec.Modality),
		PayloadSize: rec.PayloadSize,
		PayloadHash: rec.PayloadHash,
		Outcome:     string(rec.Outcome),
		ReceivedAt:  rec.ReceivedAt.Format(time.RFC3339),
	}
	if rec.DeliveryID != nil {
		resp.DeliveryID = *rec.DeliveryID
	}
	if rec.ContentType != nil {
		resp.ContentType = *rec.ContentType
	}
	if rec.Error != nil {
		resp.Error = *rec.Error
	}
	return resp
}
