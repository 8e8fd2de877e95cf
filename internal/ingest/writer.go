package ingest

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strings"

	"expense-ingest/internal/models"
	"expense-ingest/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactStore keeps raw media bytes outside the database.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type PersistResult struct {
	RecordID   uuid.UUID
	State      models.State
	Confidence float64
	Duplicate  bool
}

// Writer persists a fully scored expense together with its audit row.
type Writer struct {
	store     Store
	artifacts ArtifactStore
	logger    *zap.Logger
}

func NewWriter(store Store, artifacts ArtifactStore, logger *zap.Logger) *Writer {
	return &Writer{
		store:     store,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Persist stores the raw artifact (if any) by content hash, then writes the
// expense and its raw-input audit row in one transaction. Losing an insert
// race on the identity key is reported as a duplicate, not an error.
func (w *Writer) Persist(ctx context.Context, exp *models.Expense, raw models.RawInput) (*PersistResult, error) {
	payloadHash := PayloadHash(raw)

	if raw.Modality != models.ModalityText && w.artifacts != nil {
		ref, err := w.artifacts.Put(ctx, ArtifactKey(raw, payloadHash), raw.Payload, raw.ContentType)
		if err != nil {
			return nil, &StorageError{Op: "store artifact", Err: err}
		}
		exp.ArtifactRef = &ref
		exp.ArtifactHash = &payloadHash
	}

	rec := newRawInputRecord(raw, exp.IdentityKey, models.OutcomeAccepted)
	rec.ExpenseID = &exp.ID
	rec.ArtifactRef = exp.ArtifactRef

	err := w.store.CreateWithAudit(ctx, exp, rec)
	if errors.Is(err, repository.ErrDuplicateEntry) {
		existing, lookupErr := w.store.FindByIdentityKey(ctx, exp.IdentityKey)
		if lookupErr != nil {
			return nil, &StorageError{Op: "lookup duplicate", Err: lookupErr}
		}
		w.logger.Info("Concurrent delivery resolved as duplicate",
			zap.String("identity_key", exp.IdentityKey),
			zap.String("existing_id", existing.ID.String()),
		)
		return &PersistResult{
			RecordID:   existing.ID,
			State:      existing.State,
			Confidence: existing.Confidence,
			Duplicate:  true,
		}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "insert expense", Err: err}
	}

	return &PersistResult{RecordID: exp.ID, State: exp.State, Confidence: exp.Confidence}, nil
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/wav":       ".wav",
	"audio/webm":      ".webm",
}

// ArtifactKey is the content-addressed object key for a raw artifact.
func ArtifactKey(raw models.RawInput, payloadHash string) string {
	return string(raw.Modality) + "/" + payloadHash + artifactExt(raw)
}

func artifactExt(raw models.RawInput) string {
	if ext := strings.ToLower(filepath.Ext(raw.FileName)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if ext, ok := preferredExt[raw.ContentType]; ok {
		return ext
	}
	if raw.ContentType != "" {
		if exts, err := mime.ExtensionsByType(raw.ContentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func newRawInputRecord(raw models.RawInput, key string, outcome models.InputOutcome) *models.RawInputRecord {
	rec := &models.RawInputRecord{
		ID:          uuid.New(),
		IdentityKey: key,
		UserID:      raw.UserID,
		Modality:    raw.Modality,
		PayloadSize: len(raw.Payload),
		PayloadHash: PayloadHash(raw),
		Outcome:     outcome,
		ReceivedAt:  raw.ReceivedAt,
	}
	if raw.DeliveryID != "" {
		id := raw.DeliveryID
		rec.DeliveryID = &id
	}
	if raw.ContentType != "" {
		ct := raw.ContentType
		rec.ContentType = &ct
	}
	if raw.Modality == models.ModalityText {
		text := raw.Text
		rec.TextPayload = &text
		rec.PayloadSize = len(raw.Text)
	}
	return rec
}
