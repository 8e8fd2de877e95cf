package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"expense-ingest/internal/models"
	"expense-ingest/internal/repository"

	"github.com/google/uuid"
)

const identityVersion = "v1"

// Store is the backing store. It is the only shared mutable state of the
// pipeline and the single authority on which identity keys exist.
type Store interface {
	FindByIdentityKey(ctx context.Context, key string) (*models.Expense, error)
	CreateWithAudit(ctx context.Context, exp *models.Expense, rec *models.RawInputRecord) error
	AppendRawInput(ctx context.Context, rec *models.RawInputRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Expense, error)
	ListByUser(ctx context.Context, userID uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error)
	UpdateStateIf(ctx context.Context, id uuid.UUID, from, to models.State, at time.Time) (bool, error)
	ListRawInputs(ctx context.Context, identityKey string) ([]*models.RawInputRecord, error)
}

// PayloadHash is the content hash of a raw input: the collapsed, trimmed text
// for text input, the payload bytes otherwise.
func PayloadHash(raw models.RawInput) string {
	var sum [sha256.Size]byte
	if raw.Modality == models.ModalityText {
		sum = sha256.Sum256([]byte(collapseWhitespace(raw.Text)))
	} else {
		sum = sha256.Sum256(raw.Payload)
	}
	return hex.EncodeToString(sum[:])
}

// IdentityKey derives the deduplication key from the raw input alone. With a
// delivery id the key covers (user, modality, delivery id); without one it
// covers (user, modality, content hash). Provider output never enters it.
func IdentityKey(raw models.RawInput) (string, error) {
	if !raw.Modality.Valid() {
		return "", &InputError{Reason: fmt.Sprintf("unknown modality %q", raw.Modality)}
	}

	h := sha256.New()
	writeField := func(s string) {
		// length prefix keeps ("ab","c") and ("a","bc") apart
		fmt.Fprintf(h, "%d:%s|", len(s), s)
	}

	writeField(identityVersion)
	writeField(raw.UserID.String())
	writeField(string(raw.Modality))
	if id := strings.TrimSpace(raw.DeliveryID); id != "" {
		writeField("delivery")
		writeField(id)
	} else {
		if raw.Modality == models.ModalityText && collapseWhitespace(raw.Text) == "" {
			return "", &InputError{Reason: "text is empty"}
		}
		if raw.Modality != models.ModalityText && len(raw.Payload) == 0 {
			return "", &InputError{Reason: "payload is empty"}
		}
		writeField("content")
		writeField(PayloadHash(raw))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

type Admission struct {
	Key       string
	Duplicate bool
	Existing  *models.Expense
}

// Gate decides duplication before any provider is called. It reserves
// nothing: the unique constraint on the identity key settles races at insert
// time, so a failed attempt leaves the key free.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

func (g *Gate) Admit(ctx context.Context, raw models.RawInput) (*Admission, error) {
	key, err := IdentityKey(raw)
	if err != nil {
		return nil, err
	}

	existing, err := g.store.FindByIdentityKey(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Admission{Key: key}, nil
	case err != nil:
		return nil, &StorageError{Op: "lookup identity key", Err: err}
	default:
		return &Admission{Key: key, Duplicate: true, Existing: existing}, nil
	}
}
