package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/retry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordExtractor mimics an LLM well enough for the pipeline: it recognizes
// the fixtures used below and returns a bare amount otherwise.
func keywordExtractor() *fakeExtractor {
	return &fakeExtractor{extract: func(text string) (*models.ExtractionDraft, error) {
		switch {
		case strings.Contains(text, "soles groceries"):
			return &models.ExtractionDraft{
				Amount:        dec("20"),
				CurrencyToken: "soles",
				Description:   "groceries",
				CategoryToken: "groceries",
				MethodToken:   "cash",
			}, nil
		case strings.Contains(text, "Whole Foods"):
			return &models.ExtractionDraft{
				Amount:        dec("45.50"),
				CurrencyToken: "dólares",
				Description:   "comida en Whole Foods",
				CategoryToken: "groceries",
				MethodToken:   "tarjeta Visa",
				Merchant:      "Whole Foods",
			}, nil
		case strings.Contains(text, "sin monto"):
			return &models.ExtractionDraft{Description: "sin monto"}, nil
		case strings.Contains(text, "medio centavo"):
			return &models.ExtractionDraft{Amount: dec("0.004"), CurrencyToken: "USD", Description: "medio centavo"}, nil
		case strings.Contains(text, "departamento"):
			return &models.ExtractionDraft{Amount: dec("100000000000000"), CurrencyToken: "PEN", Description: "departamento"}, nil
		default:
			return &models.ExtractionDraft{Amount: dec("50"), Description: strings.TrimSpace(text)}, nil
		}
	}}
}

func textInput(user uuid.UUID, text string) models.RawInput {
	return models.RawInput{Modality: models.ModalityText, Text: text, UserID: user}
}

func TestIngestTextSolesGroceries(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	result, err := svc.Ingest(ctx, textInput(user, "20 soles groceries cash"))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEqual(t, models.StateFlagged, result.State)
	assert.Empty(t, result.Defects)

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", exp.Amount.StringFixed(2))
	assert.Equal(t, "PEN", exp.Currency)
	assert.Equal(t, models.CategoryInHouseFood, exp.Category)
	assert.Equal(t, models.PaymentCash, exp.PaymentMethod)
	assert.Equal(t, result.IdentityKey, exp.IdentityKey)
	assert.Equal(t, models.ModalityText, exp.Provenance.Modality)
	assert.Equal(t, []string{"fake-llm"}, exp.Provenance.Providers)
	assert.Equal(t, "20 soles groceries cash", exp.Provenance.SourceText)
	assert.Nil(t, exp.ArtifactRef)

	audit, err := svc.Audit(ctx, user, result.RecordID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeAccepted, audit[0].Outcome)
	require.NotNil(t, audit[0].TextPayload)
	assert.Equal(t, "20 soles groceries cash", *audit[0].TextPayload)
	require.NotNil(t, audit[0].ExpenseID)
	assert.Equal(t, result.RecordID, *audit[0].ExpenseID)
}

func TestIngestAudioWholeFoods(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	transcriber := &fakeTranscriber{
		text:       "Gasté 45.50 dólares en comida en Whole Foods con mi tarjeta Visa",
		language:   "es",
		confidence: ptr(0.8),
	}
	svc, _, artifacts := newTestService(t, DefaultConfig(), Providers{
		Transcriber: transcriber,
		Extractor:   keywordExtractor(),
	})

	raw := models.RawInput{
		Modality:    models.ModalityAudio,
		Payload:     []byte("OggS\x00\x02voice-note"),
		ContentType: "audio/ogg",
		UserID:      user,
	}
	result, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "45.50", exp.Amount.StringFixed(2))
	assert.Equal(t, "USD", exp.Currency)
	assert.Equal(t, models.PaymentCard, exp.PaymentMethod)
	require.NotNil(t, exp.Merchant)
	assert.Equal(t, "Whole Foods", *exp.Merchant)
	require.NotNil(t, exp.InstrumentHint)
	assert.Equal(t, "Visa", *exp.InstrumentHint)

	sig := exp.Provenance.Signals
	require.NotNil(t, sig.Speech)
	require.NotNil(t, sig.Extraction)
	assert.Equal(t, 0.8, *sig.Speech)
	assert.InDelta(t, 0.8*0.3+*sig.Extraction*0.7, exp.Confidence, 1e-9)
	assert.InDelta(t, exp.Confidence, result.Confidence, 1e-9)
	assert.Equal(t, "es", exp.Provenance.DetectedLanguage)
	assert.Equal(t, []string{"fake-stt", "fake-llm"}, exp.Provenance.Providers)

	require.NotNil(t, exp.ArtifactRef)
	require.NotNil(t, exp.ArtifactHash)
	key := ArtifactKey(raw, *exp.ArtifactHash)
	assert.Equal(t, "mem://"+key, *exp.ArtifactRef)
	assert.True(t, strings.HasSuffix(key, ".ogg"))
	assert.Equal(t, raw.Payload, artifacts.objects[key])
}

func TestIngestDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	transcriber := &fakeTranscriber{text: "Gasté 45.50 dólares en comida en Whole Foods", confidence: ptr(0.9)}
	svc, store, _ := newTestService(t, DefaultConfig(), Providers{
		Transcriber: transcriber,
		Extractor:   keywordExtractor(),
	})

	raw := models.RawInput{
		Modality:   models.ModalityAudio,
		Payload:    []byte("OggS identical bytes"),
		DeliveryID: "telegram-4411",
		UserID:     user,
	}

	first, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	second, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, 1, transcriber.calls)

	expenses, err := store.ListByUser(ctx, user, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, expenses, 1)

	audit, err := svc.Audit(ctx, user, first.RecordID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, models.OutcomeAccepted, audit[0].Outcome)
	assert.Equal(t, models.OutcomeDuplicate, audit[1].Outcome)
}

func TestIngestAppliesFallbackPenalties(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	result, err := svc.Ingest(ctx, textInput(user, "Gasté 50"))
	require.NoError(t, err)

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "USD", exp.Currency)
	assert.Equal(t, models.CategoryMisc, exp.Category)
	assert.Equal(t, 2, exp.Provenance.Signals.Penalties)

	require.NotNil(t, exp.Provenance.Signals.Extraction)
	assert.InDelta(t, *exp.Provenance.Signals.Extraction*0.9*0.9, exp.Confidence, 1e-9)
	assert.Equal(t, models.StatePendingConfirm, exp.State)
	assert.Nil(t, exp.ConfirmedAt)
}

func TestIngestUnreadableReceiptConsumesNoKey(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	parser := &fakeParser{err: retry.Permanent(errors.New("receipt is unreadable"))}
	svc, store, _ := newTestService(t, DefaultConfig(), Providers{Parser: parser})

	raw := models.RawInput{
		Modality:    models.ModalityImage,
		Payload:     []byte{0xFF, 0xD8, 0xFF, 0xE0, 'b', 'l', 'u', 'r'},
		ContentType: "image/jpeg",
		UserID:      user,
	}

	_, err := svc.Ingest(ctx, raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParsing)
	assert.False(t, IsRetryable(err))

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "fake-ocr", providerErr.Provider)

	expenses, err := store.ListByUser(ctx, user, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, expenses)

	key, err := IdentityKey(raw)
	require.NoError(t, err)
	audit, err := store.ListRawInputs(ctx, key)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeFailed, audit[0].Outcome)
	require.NotNil(t, audit[0].Error)
	assert.Contains(t, *audit[0].Error, "receipt is unreadable")

	parser.err = nil
	parser.receipt = &models.ParsedReceipt{
		Merchant:      "Farmacia Universal",
		TotalAmount:   dec("32.90"),
		CurrencyToken: "S/",
		Confidence:    ptr(0.92),
		LineItems: []models.LineItem{
			{Description: "Paracetamol", Total: dec("12.90")},
			{Description: "Vitamina C", Total: dec("20.00")},
		},
		RawText: "FARMACIA UNIVERSAL\nTOTAL S/ 32.90",
	}

	result, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, key, result.IdentityKey)

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "32.90", exp.Amount.StringFixed(2))
	assert.Equal(t, "PEN", exp.Currency)
	assert.Equal(t, models.CategoryHealthcare, exp.Category)
	assert.Equal(t, "Farmacia Universal (2 items)", exp.Description)
	assert.Len(t, exp.Provenance.LineItems, 2)
	assert.InDelta(t, 0.92, exp.Confidence, 1e-9)
	assert.Equal(t, models.StateConfirmed, exp.State)
	assert.NotNil(t, exp.ConfirmedAt)
}

func TestIngestMissingAmountIsFlagged(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	result, err := svc.Ingest(ctx, textInput(user, "almuerzo sin monto"))
	require.NoError(t, err)
	assert.Equal(t, models.StateFlagged, result.State)
	assert.Contains(t, result.Defects, "amount must be positive")

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.True(t, exp.Amount.IsZero())
	assert.Contains(t, exp.Provenance.Defects, "amount must be positive")
}

func TestIngestProviderFailures(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("transient error is retryable", func(t *testing.T) {
		extractor := &fakeExtractor{extract: func(string) (*models.ExtractionDraft, error) {
			return nil, errors.New("connection reset by peer")
		}}
		svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: extractor})

		_, err := svc.Ingest(ctx, textInput(user, "taxi 12 soles"))
		assert.ErrorIs(t, err, ErrExtraction)
		assert.True(t, IsRetryable(err))
	})

	t.Run("timeout is retryable", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ProviderTimeout = 20 * time.Millisecond
		extractor := &fakeExtractor{delay: time.Second, extract: func(string) (*models.ExtractionDraft, error) {
			return &models.ExtractionDraft{Amount: dec("1")}, nil
		}}
		svc, _, _ := newTestService(t, cfg, Providers{Extractor: extractor})

		_, err := svc.Ingest(ctx, textInput(user, "taxi 12 soles"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsRetryable(err))
	})

	t.Run("transcription failure stops before extraction", func(t *testing.T) {
		extractor := keywordExtractor()
		transcriber := &fakeTranscriber{err: retry.Permanent(errors.New("audio is unintelligible"))}
		svc, _, _ := newTestService(t, DefaultConfig(), Providers{Transcriber: transcriber, Extractor: extractor})

		_, err := svc.Ingest(ctx, models.RawInput{Modality: models.ModalityAudio, Payload: []byte("noise"), UserID: user})
		assert.ErrorIs(t, err, ErrTranscription)
		assert.False(t, IsRetryable(err))
		assert.Zero(t, extractor.Calls())
	})

	t.Run("failed attempt can be retried with the same input", func(t *testing.T) {
		var mu sync.Mutex
		fail := true
		extractor := &fakeExtractor{extract: func(string) (*models.ExtractionDraft, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				fail = false
				return nil, errors.New("503 from provider")
			}
			return &models.ExtractionDraft{Amount: dec("12"), CurrencyToken: "PEN", Description: "taxi", MethodToken: "cash"}, nil
		}}
		svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: extractor})
		raw := textInput(user, "taxi 12 soles")
		raw.DeliveryID = "wa-77"

		var result *Result
		err := retry.WithRetry(ctx, func() error {
			var ingestErr error
			result, ingestErr = svc.Ingest(ctx, raw)
			if ingestErr != nil && !IsRetryable(ingestErr) {
				return retry.Permanent(ingestErr)
			}
			return ingestErr
		}, retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Equal(t, 2, extractor.Calls())
	})
}

func TestIngestRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxTextLength = 20
	extractor := keywordExtractor()
	svc, _, _ := newTestService(t, cfg, Providers{Extractor: extractor})

	tests := []struct {
		name string
		raw  models.RawInput
	}{
		{"empty text", models.RawInput{Modality: models.ModalityText, Text: "   "}},
		{"text too long", models.RawInput{Modality: models.ModalityText, Text: strings.Repeat("taxi ", 10)}},
		{"invalid utf-8", models.RawInput{Modality: models.ModalityText, Text: "taxi \xff\xfe"}},
		{"unknown modality", models.RawInput{Modality: "video", Payload: []byte("x")}},
		{"audio without transcriber", models.RawInput{Modality: models.ModalityAudio, Payload: []byte("OggS")}},
		{"empty image", models.RawInput{Modality: models.ModalityImage}},
		{"image that is not a document", models.RawInput{Modality: models.ModalityImage, Payload: []byte("hello"), ContentType: "text/plain"}},
		{"unknown home currency", models.RawInput{Modality: models.ModalityText, Text: "taxi 5", HomeCurrency: "ZZZ"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tt.raw)
			var inputErr *InputError
			assert.ErrorAs(t, err, &inputErr)
			assert.False(t, IsRetryable(err))
		})
	}
	assert.Zero(t, extractor.Calls())
}

func TestIngestConcurrentSameDelivery(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	extractor := keywordExtractor()
	extractor.delay = 30 * time.Millisecond
	svc, store, _ := newTestService(t, DefaultConfig(), Providers{Extractor: extractor})

	raw := textInput(user, "20 soles groceries cash")
	raw.DeliveryID = "dup-race"

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Ingest(ctx, raw)
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].RecordID, results[i].RecordID)
		if !results[i].Duplicate {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	expenses, err := store.ListByUser(ctx, user, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, expenses, 1)

	audit, err := svc.Audit(ctx, user, results[0].RecordID)
	require.NoError(t, err)
	assert.Len(t, audit, workers)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	pending, err := svc.Ingest(ctx, textInput(user, "Gasté 50"))
	require.NoError(t, err)
	require.Equal(t, models.StatePendingConfirm, pending.State)

	confirmed, err := svc.Transition(ctx, user, pending.RecordID, models.StateConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, confirmed.State)
	require.NotNil(t, confirmed.ConfirmedAt)

	again, err := svc.Transition(ctx, user, pending.RecordID, models.StateConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, again.State)
	assert.True(t, confirmed.ConfirmedAt.Equal(*again.ConfirmedAt))

	_, err = svc.Transition(ctx, user, pending.RecordID, models.StateFlagged)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = svc.Transition(ctx, user, pending.RecordID, models.StatePendingConfirm)
	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)

	_, err = svc.Transition(ctx, uuid.New(), pending.RecordID, models.StateConfirmed)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = svc.Transition(ctx, user, uuid.New(), models.StateConfirmed)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFlagPendingRecord(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	pending, err := svc.Ingest(ctx, textInput(user, "Gasté 50"))
	require.NoError(t, err)

	flagged, err := svc.Transition(ctx, user, pending.RecordID, models.StateFlagged)
	require.NoError(t, err)
	assert.Equal(t, models.StateFlagged, flagged.State)
	assert.Nil(t, flagged.ConfirmedAt)

	_, err = svc.Transition(ctx, user, pending.RecordID, models.StateConfirmed)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestListAndRecordScoping(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	_, err := svc.Ingest(ctx, textInput(alice, "20 soles groceries cash"))
	require.NoError(t, err)
	pending, err := svc.Ingest(ctx, textInput(alice, "Gasté 50"))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, textInput(bob, "Gasté 50"))
	require.NoError(t, err)

	all, err := svc.List(ctx, alice, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyPending, err := svc.List(ctx, alice, models.StatePendingConfirm, 10, 0)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, pending.RecordID, onlyPending[0].ID)

	_, err = svc.List(ctx, alice, "archived", 10, 0)
	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)

	_, err = svc.Record(ctx, bob, pending.RecordID)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = svc.Audit(ctx, bob, pending.RecordID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoAcceptThreshold = 0.4

	_, err := NewService(cfg, newTestStore(t), nil, Providers{}, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.HomeCurrency = "ZZZ"
	_, err = NewService(cfg, newTestStore(t), nil, Providers{}, nil)
	assert.Error(t, err)
}

func TestDetectModality(t *testing.T) {
	tests := []struct {
		contentType string
		payload     []byte
		want        models.Modality
		ok          bool
	}{
		{"audio/ogg; codecs=opus", nil, models.ModalityAudio, true},
		{"application/ogg", nil, models.ModalityAudio, true},
		{"image/jpeg", nil, models.ModalityImage, true},
		{"application/pdf", nil, models.ModalityImage, true},
		{"text/plain; charset=utf-8", nil, models.ModalityText, true},
		{"", []byte("%PDF-1.7\n"), models.ModalityImage, true},
		{"application/octet-stream", []byte("OggS\x00\x02"), models.ModalityAudio, true},
		{"application/zip", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			got, ok := DetectModality(tt.contentType, tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIngestAmountDefectsAreFlaggedAndKept(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	t.Run("sub-cent amount", func(t *testing.T) {
		result, err := svc.Ingest(ctx, textInput(user, "medio centavo"))
		require.NoError(t, err)
		assert.Equal(t, models.StateFlagged, result.State)
		assert.Contains(t, result.Defects, "amount must be positive")

		exp, err := svc.Record(ctx, user, result.RecordID)
		require.NoError(t, err)
		assert.True(t, exp.Amount.IsZero())
	})

	t.Run("amount far over the ceiling", func(t *testing.T) {
		result, err := svc.Ingest(ctx, textInput(user, "departamento"))
		require.NoError(t, err)
		assert.Equal(t, models.StateFlagged, result.State)
		assert.Contains(t, result.Defects, "amount exceeds 10000000")

		exp, err := svc.Record(ctx, user, result.RecordID)
		require.NoError(t, err)
		assert.Equal(t, "100000000000000.00", exp.Amount.StringFixed(2))
	})
}

func TestIngestUsesCallerHomeCurrency(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	svc, _, _ := newTestService(t, DefaultConfig(), Providers{Extractor: keywordExtractor()})

	raw := textInput(user, "Gasté 50")
	raw.HomeCurrency = " pen "
	result, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)

	exp, err := svc.Record(ctx, user, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "PEN", exp.Currency)
	assert.Equal(t, "PEN", exp.Provenance.Fallbacks[0].Value)

	other := textInput(uuid.New(), "Gasté 50")
	result, err = svc.Ingest(ctx, other)
	require.NoError(t, err)
	exp, err = svc.Record(ctx, other.UserID, result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "USD", exp.Currency)
}
