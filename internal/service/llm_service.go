package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"expense-ingest/internal/models"
	"expense-ingest/pkg/config"
	"expense-ingest/pkg/retry"

	"github.com/Role1776/gigago"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	gigaChatBaseURL  = "https://gigachat.devices.sberbank.ru/api/v1"
	gigaChatOAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
)

// LLMService is the structured-extraction provider. Chat completions go
// through gigago; file upload and vision calls use the REST API directly.
type LLMService struct {
	client     *gigago.Client
	model      *gigago.GenerativeModel
	config     *config.GigaChatConfig
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	oauthURL   string
	modelName  string

	mu          sync.Mutex
	accessToken string // cached for file uploads and vision
}

func buildSystemInstruction() string {
	return `You extract a single personal expense from a short message, a voice transcript or the text of a receipt.
Messages may be in Spanish, English, Portuguese or Russian.

Rules:
- Return ONLY a JSON object, no markdown, no comments before or after it.
- Never invent values. If a field is not stated, use null or an empty string.
- Keep amounts exactly as stated, with a dot as the decimal separator.
- Currency: copy the currency word or symbol the user used ("soles", "$", "USD", "рублей"); do not convert.
- Category must be one of: ` + categoryList() + `.
- payment_method must be one of: cash, card, transfer, or empty when not stated.
- instrument_hint is the card brand or bank when named (for example "Visa", "BCP").
- confidence is your certainty in [0, 1] that the whole extraction is correct.`
}

func categoryList() string {
	names := make([]string, 0, len(models.Categories))
	for _, c := range models.Categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func NewLLMService(cfg *config.GigaChatConfig, logger *zap.Logger) (*LLMService, error) {
	ctx := context.Background()

	opts := []gigago.Option{
		gigago.WithCustomScope(cfg.Scope),
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, gigago.WithCustomInsecureSkipVerify(true))
		logger.Warn("GigaChat TLS certificate verification is disabled")
	}

	client, err := gigago.NewClient(ctx, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GigaChat client: %w", err)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "GigaChat"
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = buildSystemInstruction()
	model.Temperature = 0.1

	httpClient := &http.Client{}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	logger.Info("GigaChat extraction provider ready", zap.String("model", modelName))

	return &LLMService{
		client:     client,
		model:      model,
		config:     cfg,
		logger:     logger,
		httpClient: httpClient,
		baseURL:    gigaChatBaseURL,
		oauthURL:   gigaChatOAuthURL,
		modelName:  modelName,
	}, nil
}

func (s *LLMService) Name() string {
	return "gigachat"
}

// ExtractExpense turns free text into a draft.
func (s *LLMService) ExtractExpense(ctx context.Context, text, localeHint string) (*models.ExtractionDraft, error) {
	text = strings.TrimSpace(sanitizeUTF8(text))
	if text == "" {
		return nil, retry.Permanent(errors.New("empty input"))
	}

	prompt := fmt.Sprintf(`Extract the expense from the message below.

Message:
%s

Return a JSON object in this format:
{
  "amount": number or null,
  "currency": "currency word, symbol or code as written",
  "description": "what was bought, 3 to 10 words",
  "category": "one category",
  "payment_method": "cash|card|transfer|",
  "merchant": "store or service name",
  "instrument_hint": "card brand or bank",
  "occurred_at": "YYYY-MM-DD or empty",
  "confidence": number
}`, text)
	if localeHint != "" {
		prompt += "\n\nThe message language is " + localeHint + "."
	}

	content, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	draft, err := parseExpenseJSON(content)
	if err != nil {
		s.logger.Warn("Unparseable extraction response", zap.String("content", content), zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Expense extracted", zap.Bool("has_amount", draft.Amount != nil))
	return draft, nil
}

// ParseReceiptText structures the text of a receipt already extracted from a PDF.
func (s *LLMService) ParseReceiptText(ctx context.Context, text string) (*models.ParsedReceipt, error) {
	text = strings.TrimSpace(sanitizeUTF8(text))
	if text == "" {
		return nil, retry.Permanent(errors.New("empty receipt text"))
	}

	content, err := s.generate(ctx, receiptPrompt+"\n\nReceipt text:\n"+text)
	if err != nil {
		return nil, err
	}

	receipt, err := parseReceiptJSON(content)
	if err != nil {
		return nil, err
	}
	if receipt.RawText == "" {
		receipt.RawText = text
	}
	return receipt, nil
}

// ParseReceiptImage uploads a receipt image and reads it with the vision model.
func (s *LLMService) ParseReceiptImage(ctx context.Context, doc []byte, contentType string) (*models.ParsedReceipt, error) {
	fileID, err := s.UploadFile(ctx, doc, "receipt"+extensionFor(contentType), contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	content, err := s.ExtractTextViaVisionAPI(ctx, fileID, receiptPrompt)
	if err != nil {
		return nil, err
	}
	return parseReceiptJSON(content)
}

const receiptPrompt = `Read this receipt and return ONLY a JSON object in this format:
{
  "merchant": "store name",
  "total_amount": number or null,
  "currency": "currency symbol or code as printed",
  "category": "one category",
  "payment_method": "cash|card|transfer|",
  "instrument_hint": "card brand or last digits",
  "occurred_at": "YYYY-MM-DD or YYYY-MM-DD HH:MM or empty",
  "line_items": [{"description": "", "quantity": number, "unit_price": number, "total": number}],
  "confidence": number,
  "raw_text": "all text printed on the receipt"
}
If the receipt is unreadable return {"confidence": 0}.`

func (s *LLMService) generate(ctx context.Context, prompt string) (string, error) {
	messages := []gigago.Message{
		{Role: gigago.RoleUser, Content: prompt},
	}

	resp, err := s.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// getAccessToken obtains an access token from the GigaChat OAuth endpoint.
// The API key is expected to be Base64-encoded already.
func (s *LLMService) getAccessToken(ctx context.Context) (string, error) {
	rqUID := uuid.New().String()

	formData := url.Values{}
	formData.Set("scope", s.config.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.oauthURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create OAuth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", rqUID)
	req.Header.Set("Authorization", "Basic "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		s.logger.Error("OAuth request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("rq_uid", rqUID),
		)
		return "", statusError("OAuth", resp.StatusCode, bodyBytes)
	}

	var oauthResp struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&oauthResp); err != nil {
		return "", fmt.Errorf("failed to decode OAuth response: %w", err)
	}
	if oauthResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in OAuth response")
	}

	s.logger.Info("Access token obtained")
	return oauthResp.AccessToken, nil
}

func (s *LLMService) token(ctx context.Context, refresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && !refresh {
		return s.accessToken, nil
	}
	tok, err := s.getAccessToken(ctx)
	if err != nil {
		return "", err
	}
	s.accessToken = tok
	return tok, nil
}

// doAuthorized sends the request built by newReq with a bearer token and
// retries once with a fresh token on 401.
func (s *LLMService) doAuthorized(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := s.token(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			s.logger.Info("Access token rejected, refreshing")
			continue
		}
		return resp, nil
	}
}

// UploadFile uploads a document to GigaChat and returns its file id.
func (s *LLMService) UploadFile(ctx context.Context, data []byte, fileName, contentType string) (string, error) {
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(fileExt(fileName)))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	// "general" lets the file be referenced from chat completions
	if err := writer.WriteField("purpose", "general"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := writer.CreatePart(map[string][]string{
		"Content-Type":        {contentType},
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	payload := body.Bytes()

	resp, err := s.doAuthorized(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/files", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", statusError("upload", resp.StatusCode, bodyBytes)
	}

	var uploadResp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if uploadResp.ID == "" {
		return "", fmt.Errorf("upload response has no file id")
	}

	s.logger.Info("File uploaded to GigaChat", zap.String("file_id", uploadResp.ID), zap.Int("size", len(data)))
	return uploadResp.ID, nil
}

// refusalPhrases mark a vision answer that is a refusal rather than content.
var refusalPhrases = []string{
	"не могу помочь",
	"не могу обработать",
	"не могу извлечь",
	"предоставьте содержимое",
	"cannot help",
	"cannot process",
	"please provide",
}

// ExtractTextViaVisionAPI runs a chat completion with the uploaded file attached.
func (s *LLMService) ExtractTextViaVisionAPI(ctx context.Context, fileID, prompt string) (string, error) {
	requestBody := map[string]interface{}{
		"model": s.modelName,
		"messages": []map[string]interface{}{
			{
				"role":        "user",
				"content":     prompt,
				"attachments": [][]string{{fileID}},
			},
		},
		"temperature":        0.1,
		"stream":             false,
		"repetition_penalty": 1.0,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := s.doAuthorized(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", statusError("vision API", resp.StatusCode, bodyBytes)
	}

	var visionResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&visionResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(visionResp.Choices) == 0 {
		return "", fmt.Errorf("no response from Vision API")
	}

	text := strings.TrimSpace(visionResp.Choices[0].Message.Content)
	textLower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(textLower, phrase) {
			s.logger.Warn("Vision model refused the document", zap.String("message", text))
			return "", retry.Permanent(fmt.Errorf("model returned error message: %s", text))
		}
	}

	s.logger.Info("Receipt read via GigaChat Vision", zap.Int("text_length", len(text)))
	return text, nil
}

func (s *LLMService) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// statusError marks 4xx responses other than 408 and 429 as permanent.
func statusError(op string, status int, body []byte) error {
	err := fmt.Errorf("%s failed with status %d: %s", op, status, truncateBody(body))
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
