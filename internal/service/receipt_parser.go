package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/retry"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
)

var errUnsupportedDocument = errors.New("unsupported document type")

// receiptReader is the part of LLMService the parser needs.
type receiptReader interface {
	ParseReceiptText(ctx context.Context, text string) (*models.ParsedReceipt, error)
	ParseReceiptImage(ctx context.Context, doc []byte, contentType string) (*models.ParsedReceipt, error)
}

// ReceiptParser is the document parsing provider. PDFs with a text layer are
// read with go-fitz and structured by the LLM; images and scanned PDFs go to
// the vision model.
type ReceiptParser struct {
	llm    receiptReader
	logger *zap.Logger
}

func NewReceiptParser(llm receiptReader, logger *zap.Logger) *ReceiptParser {
	return &ReceiptParser{
		llm:    llm,
		logger: logger,
	}
}

func (p *ReceiptParser) Name() string {
	return "gigachat-receipt"
}

func (p *ReceiptParser) ParseReceipt(ctx context.Context, doc []byte, contentType string) (*models.ParsedReceipt, error) {
	if len(doc) == 0 {
		return nil, retry.Permanent(errors.New("empty document"))
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case ct == "application/pdf":
		text, err := p.extractTextFromPDF(doc)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to read PDF: %w", err))
		}
		if text != "" {
			return p.llm.ParseReceiptText(ctx, text)
		}
		p.logger.Info("PDF has no text layer, falling back to vision")
		return p.llm.ParseReceiptImage(ctx, doc, ct)
	case strings.HasPrefix(ct, "image/"):
		return p.llm.ParseReceiptImage(ctx, doc, ct)
	default:
		return nil, retry.Permanent(fmt.Errorf("%w: %s", errUnsupportedDocument, contentType))
	}
}

// extractTextFromPDF returns the concatenated page text, or "" for a scan.
func (p *ReceiptParser) extractTextFromPDF(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		pageText, err := doc.Text(i)
		if err != nil {
			p.logger.Warn("Failed to extract text from page", zap.Int("page", i+1), zap.Error(err))
			continue
		}
		if pageText != "" {
			textBuilder.WriteString(pageText)
			textBuilder.WriteString("\n")
		}
	}

	text := strings.TrimSpace(sanitizeUTF8(textBuilder.String()))
	p.logger.Info("PDF text extracted using go-fitz",
		zap.Int("pages", doc.NumPage()),
		zap.Int("text_length", len(text)),
	)
	return text, nil
}
