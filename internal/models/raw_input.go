package models

import (
	"time"

	"github.com/google/uuid"
)

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
	ModalityImage Modality = "image"
)

func (m Modality) Valid() bool {
	return m == ModalityText || m == ModalityAudio || m == ModalityImage
}

// RawInput is the artifact as delivered. Never mutated after receipt.
type RawInput struct {
	Modality     Modality
	Text         string
	Payload      []byte
	ContentType  string
	FileName     string
	DeliveryID   string
	UserID       uuid.UUID
	LanguageHint string
	// HomeCurrency overrides the configured fallback currency for this
	// caller. It does not take part in the identity key.
	HomeCurrency string
	ReceivedAt   time.Time
}

type InputOutcome string

const (
	OutcomeAccepted  InputOutcome = "accepted"
	OutcomeDuplicate InputOutcome = "duplicate"
	OutcomeFailed    InputOutcome = "failed"
)

// RawInputRecord is one append-only audit row per delivery attempt.
type RawInputRecord struct {
	ID          uuid.UUID    `db:"id"`
	IdentityKey string       `db:"identity_key"`
	UserID      uuid.UUID    `db:"user_id"`
	Modality    Modality     `db:"modality"`
	DeliveryID  *string      `db:"delivery_id"`
	ContentType *string      `db:"content_type"`
	PayloadSize int          `db:"payload_size"`
	PayloadHash string       `db:"payload_hash"`
	TextPayload *string      `db:"text_payload"`
	ArtifactRef *string      `db:"artifact_ref"`
	Outcome     InputOutcome `db:"outcome"`
	ExpenseID   *uuid.UUID   `db:"expense_id"`
	Error       *string      `db:"error"`
	ReceivedAt  time.Time    `db:"received_at"`
}
