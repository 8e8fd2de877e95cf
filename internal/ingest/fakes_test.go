package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"expense-ingest/internal/models"
	"expense-ingest/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func ptr[T any](v T) *T {
	return &v
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	extract func(text string) (*models.ExtractionDraft, error)
}

func (f *fakeExtractor) Name() string {
	return "fake-llm"
}

func (f *fakeExtractor) ExtractExpense(ctx context.Context, text, _ string) (*models.ExtractionDraft, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.extract(text)
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscriber struct {
	mu         sync.Mutex
	calls      int
	text       string
	language   string
	confidence *float64
	err        error
}

func (f *fakeTranscriber) Name() string {
	return "fake-stt"
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (*models.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Transcript{
		Text:             f.text,
		DetectedLanguage: f.language,
		DurationSeconds:  4.2,
		Confidence:       f.confidence,
	}, nil
}

type fakeParser struct {
	mu      sync.Mutex
	calls   int
	receipt *models.ParsedReceipt
	err     error
}

func (f *fakeParser) Name() string {
	return "fake-ocr"
}

func (f *fakeParser) ParseReceipt(_ context.Context, _ []byte, _ string) (*models.ParsedReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: make(map[string][]byte)}
}

func (m *memArtifacts) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "mem://" + key, nil
}

func newTestStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "expenses.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestService(t *testing.T, cfg Config, providers Providers) (*Service, *repository.SQLiteStore, *memArtifacts) {
	t.Helper()

	store := newTestStore(t)
	artifacts := newMemArtifacts()
	svc, err := NewService(cfg, store, artifacts, providers, zap.NewNop())
	require.NoError(t, err)
	return svc, store, artifacts
}
