package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/retry"
)

// Transcriber turns audio into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, languageHint string) (*models.Transcript, error)
}

// StructuredExtractor turns natural language into a typed draft.
type StructuredExtractor interface {
	Name() string
	ExtractExpense(ctx context.Context, text, localeHint string) (*models.ExtractionDraft, error)
}

// DocumentParser turns a receipt image or PDF into a typed receipt.
type DocumentParser interface {
	Name() string
	ParseReceipt(ctx context.Context, doc []byte, contentType string) (*models.ParsedReceipt, error)
}

// Extraction is everything the provider stage learned about one raw input.
type Extraction struct {
	Draft            *models.ExtractionDraft
	SourceText       string
	Providers        []string
	Signals          models.Signals
	DetectedLanguage string
	DurationSeconds  float64
}

// Extractor is implemented once per modality.
type Extractor interface {
	Extract(ctx context.Context, raw models.RawInput) (*Extraction, error)
}

type TextExtractor struct {
	extractor StructuredExtractor
	timeout   time.Duration
}

func NewTextExtractor(extractor StructuredExtractor, timeout time.Duration) *TextExtractor {
	return &TextExtractor{extractor: extractor, timeout: timeout}
}

func (e *TextExtractor) Extract(ctx context.Context, raw models.RawInput) (*Extraction, error) {
	text := strings.TrimSpace(raw.Text)
	draft, err := callExtraction(ctx, e.extractor, e.timeout, text, raw.LanguageHint)
	if err != nil {
		return nil, err
	}
	return &Extraction{
		Draft:      draft,
		SourceText: text,
		Providers:  []string{e.extractor.Name()},
		Signals:    models.Signals{Reported: draft.Confidence},
	}, nil
}

type AudioExtractor struct {
	transcriber Transcriber
	extractor   StructuredExtractor
	timeout     time.Duration
}

func NewAudioExtractor(transcriber Transcriber, extractor StructuredExtractor, timeout time.Duration) *AudioExtractor {
	return &AudioExtractor{transcriber: transcriber, extractor: extractor, timeout: timeout}
}

func (e *AudioExtractor) Extract(ctx context.Context, raw models.RawInput) (*Extraction, error) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	transcript, err := e.transcriber.Transcribe(callCtx, raw.Payload, raw.LanguageHint)
	cancel()
	if err != nil {
		return nil, providerFailure(ErrTranscription, e.transcriber.Name(), err)
	}
	if transcript == nil {
		return nil, providerFailure(ErrTranscription, e.transcriber.Name(), errors.New("provider returned no transcript"))
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return nil, providerFailure(ErrTranscription, e.transcriber.Name(), retry.Permanent(errors.New("empty transcript")))
	}

	locale := transcript.DetectedLanguage
	if locale == "" {
		locale = raw.LanguageHint
	}
	draft, err := callExtraction(ctx, e.extractor, e.timeout, text, locale)
	if err != nil {
		return nil, err
	}

	return &Extraction{
		Draft:            draft,
		SourceText:       text,
		Providers:        []string{e.transcriber.Name(), e.extractor.Name()},
		Signals:          models.Signals{Speech: transcript.Confidence, Reported: draft.Confidence},
		DetectedLanguage: transcript.DetectedLanguage,
		DurationSeconds:  transcript.DurationSeconds,
	}, nil
}

type ImageExtractor struct {
	parser  DocumentParser
	timeout time.Duration
}

func NewImageExtractor(parser DocumentParser, timeout time.Duration) *ImageExtractor {
	return &ImageExtractor{parser: parser, timeout: timeout}
}

func (e *ImageExtractor) Extract(ctx context.Context, raw models.RawInput) (*Extraction, error) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	receipt, err := e.parser.ParseReceipt(callCtx, raw.Payload, raw.ContentType)
	cancel()
	if err != nil {
		return nil, providerFailure(ErrParsing, e.parser.Name(), err)
	}
	if receipt == nil {
		return nil, providerFailure(ErrParsing, e.parser.Name(), errors.New("provider returned no receipt"))
	}

	draft := &models.ExtractionDraft{
		Amount:         receipt.TotalAmount,
		CurrencyToken:  receipt.CurrencyToken,
		Description:    receiptDescription(receipt),
		CategoryToken:  receipt.CategoryToken,
		MethodToken:    receipt.MethodToken,
		Merchant:       receipt.Merchant,
		InstrumentHint: receipt.InstrumentHint,
		OccurredAt:     receipt.OccurredAt,
		Confidence:     receipt.Confidence,
		LineItems:      receipt.LineItems,
	}

	return &Extraction{
		Draft:      draft,
		SourceText: strings.TrimSpace(receipt.RawText),
		Providers:  []string{e.parser.Name()},
		Signals:    models.Signals{Parser: receipt.Confidence},
	}, nil
}

func receiptDescription(r *models.ParsedReceipt) string {
	merchant := strings.TrimSpace(r.Merchant)
	switch {
	case merchant != "" && len(r.LineItems) > 0:
		return fmt.Sprintf("%s (%d items)", merchant, len(r.LineItems))
	case merchant != "":
		return merchant
	case len(r.LineItems) == 1:
		return strings.TrimSpace(r.LineItems[0].Description)
	default:
		return ""
	}
}

func callExtraction(ctx context.Context, extractor StructuredExtractor, timeout time.Duration, text, locale string) (*models.ExtractionDraft, error) {
	if text == "" {
		return nil, providerFailure(ErrExtraction, extractor.Name(), retry.Permanent(errors.New("empty input")))
	}
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	draft, err := extractor.ExtractExpense(callCtx, text, locale)
	if err != nil {
		return nil, providerFailure(ErrExtraction, extractor.Name(), err)
	}
	if draft == nil {
		return nil, providerFailure(ErrExtraction, extractor.Name(), errors.New("provider returned no draft"))
	}
	return draft, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func providerFailure(kind error, provider string, err error) *ProviderError {
	return &ProviderError{
		Kind:      kind,
		Provider:  provider,
		Err:       err,
		Retryable: errors.Is(err, context.DeadlineExceeded) || retry.IsRetryable(err),
	}
}
