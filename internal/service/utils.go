package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/retry"

	"github.com/shopspring/decimal"
)

// sanitizeUTF8 removes invalid UTF-8 sequences from string
// This prevents PostgreSQL encoding errors when saving text
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && size == 1 {
			s = s[1:]
			continue
		}
		result.WriteRune(r)
		s = s[size:]
	}

	return result.String()
}

var errNoJSONObject = errors.New("no JSON object in response")

// extractJSONObject cuts the outermost JSON object out of a model answer that
// may be wrapped in markdown fences or chatter.
func extractJSONObject(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return "", errNoJSONObject
	}
	return content[start : end+1], nil
}

type expenseJSON struct {
	Amount         json.RawMessage `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	PaymentMethod  string          `json:"payment_method"`
	Merchant       string          `json:"merchant"`
	InstrumentHint string          `json:"instrument_hint"`
	OccurredAt     string          `json:"occurred_at"`
	Confidence     *float64        `json:"confidence"`
}

func parseExpenseJSON(content string) (*models.ExtractionDraft, error) {
	jsonStr, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var raw expenseJSON
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &models.ExtractionDraft{
		Amount:         parseAmount(raw.Amount),
		CurrencyToken:  strings.TrimSpace(raw.Currency),
		Description:    strings.TrimSpace(raw.Description),
		CategoryToken:  strings.TrimSpace(raw.Category),
		MethodToken:    strings.TrimSpace(raw.PaymentMethod),
		Merchant:       strings.TrimSpace(raw.Merchant),
		InstrumentHint: strings.TrimSpace(raw.InstrumentHint),
		OccurredAt:     parseOccurredAt(raw.OccurredAt),
		Confidence:     raw.Confidence,
	}, nil
}

type lineItemJSON struct {
	Description string          `json:"description"`
	Quantity    json.RawMessage `json:"quantity"`
	UnitPrice   json.RawMessage `json:"unit_price"`
	Total       json.RawMessage `json:"total"`
}

type receiptJSON struct {
	Merchant       string          `json:"merchant"`
	TotalAmount    json.RawMessage `json:"total_amount"`
	Currency       string          `json:"currency"`
	Category       string          `json:"category"`
	PaymentMethod  string          `json:"payment_method"`
	InstrumentHint string          `json:"instrument_hint"`
	OccurredAt     string          `json:"occurred_at"`
	LineItems      []lineItemJSON  `json:"line_items"`
	Confidence     *float64        `json:"confidence"`
	RawText        string          `json:"raw_text"`
}

func parseReceiptJSON(content string) (*models.ParsedReceipt, error) {
	jsonStr, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var raw receiptJSON
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	receipt := &models.ParsedReceipt{
		Merchant:       strings.TrimSpace(raw.Merchant),
		TotalAmount:    parseAmount(raw.TotalAmount),
		CurrencyToken:  strings.TrimSpace(raw.Currency),
		CategoryToken:  strings.TrimSpace(raw.Category),
		MethodToken:    strings.TrimSpace(raw.PaymentMethod),
		InstrumentHint: strings.TrimSpace(raw.InstrumentHint),
		OccurredAt:     parseOccurredAt(raw.OccurredAt),
		Confidence:     raw.Confidence,
		RawText:        strings.TrimSpace(sanitizeUTF8(raw.RawText)),
	}
	for _, item := range raw.LineItems {
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			continue
		}
		receipt.LineItems = append(receipt.LineItems, models.LineItem{
			Description: desc,
			Quantity:    parseAmount(item.Quantity),
			UnitPrice:   parseAmount(item.UnitPrice),
			Total:       parseAmount(item.Total),
		})
	}

	if receipt.TotalAmount == nil && receipt.Merchant == "" && len(receipt.LineItems) == 0 {
		return nil, retry.Permanent(errUnreadableReceipt)
	}
	return receipt, nil
}

var errUnreadableReceipt = errors.New("receipt is unreadable")

// parseAmount accepts a JSON number or a string such as "45,50" or "S/ 1.234,50".
// It returns nil for null, empty or unparseable values.
func parseAmount(raw json.RawMessage) *decimal.Decimal {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil
		}
		s = cleanAmount(str)
	}
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func cleanAmount(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	s = strings.Trim(b.String(), ".,")

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastComma > lastDot && len(s)-lastComma-1 <= 2:
		// 1.234,50 or 45,50: comma is the decimal separator
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	return s
}

var occurredAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"02/01/2006",
}

func parseOccurredAt(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range occurredAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func fileExt(name string) string {
	return filepath.Ext(name)
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".jpg"
	}
}
