package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"expense-ingest/internal/models"
	"expense-ingest/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Providers are the capability providers wired into the pipeline. A nil
// provider disables the modalities that need it.
type Providers struct {
	Transcriber Transcriber
	Extractor   StructuredExtractor
	Parser      DocumentParser
}

// Result is what a caller gets back from Ingest. When Duplicate is set,
// RecordID is the previously admitted record.
type Result struct {
	RecordID    uuid.UUID
	IdentityKey string
	State       models.State
	Confidence  float64
	Duplicate   bool
	Defects     []string
}

type Service struct {
	cfg        Config
	gate       *Gate
	extractors map[models.Modality]Extractor
	normalizer *Normalizer
	composer   *Composer
	validator  *Validator
	writer     *Writer
	store      Store
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(cfg Config, store Store, artifacts ArtifactStore, providers Providers, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}
	rules, err := LoadCategoryRules(cfg.CategoryRulesPath)
	if err != nil {
		return nil, err
	}

	extractors := make(map[models.Modality]Extractor)
	if providers.Extractor != nil {
		extractors[models.ModalityText] = NewTextExtractor(providers.Extractor, cfg.ProviderTimeout)
		if providers.Transcriber != nil {
			extractors[models.ModalityAudio] = NewAudioExtractor(providers.Transcriber, providers.Extractor, cfg.ProviderTimeout)
		}
	}
	if providers.Parser != nil {
		extractors[models.ModalityImage] = NewImageExtractor(providers.Parser, cfg.ProviderTimeout)
	}

	return &Service{
		cfg:        cfg,
		gate:       NewGate(store),
		extractors: extractors,
		normalizer: NewNormalizer(cfg, rules),
		composer:   NewComposer(cfg),
		validator:  NewValidator(cfg),
		writer:     NewWriter(store, artifacts, logger),
		store:      store,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Ingest runs one raw input through the pipeline. Duplication is decided
// from the raw input before any provider is called; a provider failure
// leaves nothing behind but a failed audit row.
func (s *Service) Ingest(ctx context.Context, raw models.RawInput) (*Result, error) {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = s.now().UTC()
	}

	extractor, err := s.validateRawInput(&raw)
	if err != nil {
		return nil, err
	}

	admission, err := s.gate.Admit(ctx, raw)
	if err != nil {
		return nil, err
	}
	if admission.Duplicate {
		existing := admission.Existing
		s.appendAudit(ctx, raw, admission.Key, models.OutcomeDuplicate, &existing.ID, nil)
		s.logger.Info("Duplicate input",
			zap.String("identity_key", admission.Key),
			zap.String("existing_id", existing.ID.String()),
			zap.String("modality", string(raw.Modality)),
		)
		return &Result{
			RecordID:    existing.ID,
			IdentityKey: admission.Key,
			State:       existing.State,
			Confidence:  existing.Confidence,
			Duplicate:   true,
		}, nil
	}

	extraction, err := extractor.Extract(ctx, raw)
	if err != nil {
		s.appendAudit(ctx, raw, admission.Key, models.OutcomeFailed, nil, err)
		s.logger.Warn("Provider stage failed",
			zap.String("identity_key", admission.Key),
			zap.String("modality", string(raw.Modality)),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err),
		)
		return nil, err
	}

	exp, normErr := s.normalizer.forHome(raw.HomeCurrency).Normalize(extraction.Draft, extraction.SourceText)
	if normErr != nil {
		var ne *NormalizationError
		if !errors.As(normErr, &ne) {
			return nil, normErr
		}
		s.logger.Warn("Normalization defect, record will be flagged",
			zap.String("identity_key", admission.Key),
			zap.String("field", ne.Field),
			zap.String("reason", ne.Reason),
		)
	}

	now := s.now().UTC()
	exp.ID = uuid.New()
	exp.UserID = raw.UserID
	exp.IdentityKey = admission.Key
	exp.CreatedAt = now
	exp.UpdatedAt = now

	prov := &exp.Provenance
	prov.Modality = raw.Modality
	prov.Providers = extraction.Providers
	prov.SourceText = extraction.SourceText
	prov.DetectedLanguage = extraction.DetectedLanguage
	prov.DurationSeconds = extraction.DurationSeconds
	prov.DeliveryID = strings.TrimSpace(raw.DeliveryID)
	prov.ContentType = raw.ContentType
	prov.PayloadSize = len(raw.Payload)
	prov.Signals = extraction.Signals

	exp.Confidence = s.composer.Score(exp)
	exp.State = s.validator.AssignState(exp, exp.Confidence)
	prov.Defects = s.validator.Defects(exp)
	if exp.State == models.StateConfirmed {
		exp.ConfirmedAt = &now
	}

	persisted, err := s.writer.Persist(ctx, exp, raw)
	if err != nil {
		s.logger.Error("Failed to persist expense",
			zap.String("identity_key", admission.Key),
			zap.Error(err),
		)
		return nil, err
	}
	if persisted.Duplicate {
		s.appendAudit(ctx, raw, admission.Key, models.OutcomeDuplicate, &persisted.RecordID, nil)
	}

	s.logger.Info("Expense ingested",
		zap.String("record_id", persisted.RecordID.String()),
		zap.String("modality", string(raw.Modality)),
		zap.String("state", string(persisted.State)),
		zap.Float64("confidence", persisted.Confidence),
		zap.Bool("duplicate", persisted.Duplicate),
	)

	result := &Result{
		RecordID:    persisted.RecordID,
		IdentityKey: admission.Key,
		State:       persisted.State,
		Confidence:  persisted.Confidence,
		Duplicate:   persisted.Duplicate,
	}
	if !persisted.Duplicate {
		result.Defects = prov.Defects
	}
	return result, nil
}

func (s *Service) validateRawInput(raw *models.RawInput) (Extractor, error) {
	if !raw.Modality.Valid() {
		return nil, &InputError{Reason: fmt.Sprintf("unknown modality %q", raw.Modality)}
	}
	if home := strings.ToUpper(strings.TrimSpace(raw.HomeCurrency)); home != "" {
		if !IsKnownCurrency(home) {
			return nil, &InputError{Reason: "unknown home currency " + home}
		}
		raw.HomeCurrency = home
	}

	switch raw.Modality {
	case models.ModalityText:
		text := strings.TrimSpace(raw.Text)
		if text == "" {
			return nil, &InputError{Reason: "text is empty"}
		}
		if !utf8.ValidString(text) {
			return nil, &InputError{Reason: "text is not valid UTF-8"}
		}
		if s.cfg.MaxTextLength > 0 && utf8.RuneCountInString(text) > s.cfg.MaxTextLength {
			return nil, &InputError{Reason: fmt.Sprintf("text exceeds %d characters", s.cfg.MaxTextLength)}
		}
	case models.ModalityAudio:
		if len(raw.Payload) == 0 {
			return nil, &InputError{Reason: "audio payload is empty"}
		}
		if raw.ContentType == "" {
			raw.ContentType = http.DetectContentType(raw.Payload)
		}
	case models.ModalityImage:
		if len(raw.Payload) == 0 {
			return nil, &InputError{Reason: "document payload is empty"}
		}
		if raw.ContentType == "" || raw.ContentType == "application/octet-stream" {
			raw.ContentType = http.DetectContentType(raw.Payload)
		}
		if !IsDocumentType(raw.ContentType) {
			return nil, &InputError{Reason: "unsupported document type " + raw.ContentType}
		}
	}

	extractor, ok := s.extractors[raw.Modality]
	if !ok {
		return nil, &InputError{Reason: fmt.Sprintf("no provider configured for %s input", raw.Modality)}
	}
	return extractor, nil
}

// IsDocumentType reports whether a content type can go to the receipt parser.
func IsDocumentType(contentType string) bool {
	ct := baseContentType(contentType)
	return strings.HasPrefix(ct, "image/") || ct == "application/pdf"
}

// DetectModality maps an upload's content type onto a modality.
func DetectModality(contentType string, payload []byte) (models.Modality, bool) {
	ct := baseContentType(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = baseContentType(http.DetectContentType(payload))
	}
	switch {
	case strings.HasPrefix(ct, "audio/"), ct == "application/ogg", ct == "video/webm":
		return models.ModalityAudio, true
	case strings.HasPrefix(ct, "image/"), ct == "application/pdf":
		return models.ModalityImage, true
	case strings.HasPrefix(ct, "text/plain"):
		return models.ModalityText, true
	default:
		return "", false
	}
}

func baseContentType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// appendAudit records a non-accepted delivery attempt. It never fails the
// ingestion: the audit trail is best-effort for duplicates and failures.
func (s *Service) appendAudit(ctx context.Context, raw models.RawInput, key string, outcome models.InputOutcome, expenseID *uuid.UUID, cause error) {
	rec := newRawInputRecord(raw, key, outcome)
	rec.ExpenseID = expenseID
	if cause != nil {
		msg := cause.Error()
		rec.Error = &msg
	}
	if err := s.store.AppendRawInput(ctx, rec); err != nil {
		s.logger.Warn("Failed to append raw input audit row",
			zap.String("identity_key", key),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

// Record returns a persisted expense with its provenance. A nil userID skips
// the ownership check (local CLI use).
func (s *Service) Record(ctx context.Context, userID, id uuid.UUID) (*models.Expense, error) {
	exp, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get expense", Err: err}
	}
	if userID != uuid.Nil && exp.UserID != userID {
		return nil, ErrRecordNotFound
	}
	return exp, nil
}

// Audit returns every delivery attempt recorded for the record's identity key.
func (s *Service) Audit(ctx context.Context, userID, id uuid.UUID) ([]*models.RawInputRecord, error) {
	exp, err := s.Record(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRawInputs(ctx, exp.IdentityKey)
	if err != nil {
		return nil, &StorageError{Op: "list raw inputs", Err: err}
	}
	return recs, nil
}

// List returns a user's expenses, newest first, optionally filtered by state.
func (s *Service) List(ctx context.Context, userID uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error) {
	if state != "" && !state.Valid() {
		return nil, &InputError{Reason: fmt.Sprintf("unknown state %q", state)}
	}
	if limit < 0 || offset < 0 {
		return nil, &InputError{Reason: "limit and offset must not be negative"}
	}
	expenses, err := s.store.ListByUser(ctx, userID, state, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list expenses", Err: err}
	}
	return expenses, nil
}

// Transition moves a pending_confirm record to confirmed or flagged.
// Repeating a transition that already happened returns the record unchanged;
// any other move out of a settled state is ErrStateConflict.
func (s *Service) Transition(ctx context.Context, userID, id uuid.UUID, to models.State) (*models.Expense, error) {
	if to != models.StateConfirmed && to != models.StateFlagged {
		return nil, &InputError{Reason: fmt.Sprintf("cannot transition to %q", to)}
	}

	exp, err := s.Record(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateStateIf(ctx, id, models.StatePendingConfirm, to, s.now().UTC())
	if err != nil {
		return nil, &StorageError{Op: "update state", Err: err}
	}
	if !updated {
		current, err := s.Record(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if current.State == to {
			return current, nil
		}
		s.logger.Info("Rejected state transition",
			zap.String("record_id", id.String()),
			zap.String("from", string(current.State)),
			zap.String("to", string(to)),
		)
		return nil, ErrStateConflict
	}

	s.logger.Info("Expense state changed",
		zap.String("record_id", id.String()),
		zap.String("from", string(exp.State)),
		zap.String("to", string(to)),
	)
	return s.Record(ctx, userID, id)
}
