package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"expense-ingest/internal/dto"
	"expense-ingest/internal/ingest"
	"expense-ingest/internal/models"
	"expense-ingest/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExpenseService struct {
	ingestErr  error
	result     *ingest.Result
	lastRaw    models.RawInput
	expense    *models.Expense
	recordErr  error
	transition error
	lastState  models.State
	lastLimit  int
	lastOffset int
}

func (f *fakeExpenseService) Ingest(_ context.Context, raw models.RawInput) (*ingest.Result, error) {
	f.lastRaw = raw
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return f.result, nil
}

func (f *fakeExpenseService) Record(_ context.Context, _, _ uuid.UUID) (*models.Expense, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return f.expense, nil
}

func (f *fakeExpenseService) Audit(_ context.Context, _, _ uuid.UUID) ([]*models.RawInputRecord, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	delivery := "tg-7"
	return []*models.RawInputRecord{
		{ID: uuid.New(), Modality: models.ModalityText, DeliveryID: &delivery, Outcome: models.OutcomeAccepted, ReceivedAt: time.Now()},
		{ID: uuid.New(), Modality: models.ModalityText, DeliveryID: &delivery, Outcome: models.OutcomeDuplicate, ReceivedAt: time.Now()},
	}, nil
}

func (f *fakeExpenseService) List(_ context.Context, _ uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error) {
	f.lastState, f.lastLimit, f.lastOffset = state, limit, offset
	return []*models.Expense{f.expense}, nil
}

func (f *fakeExpenseService) Transition(_ context.Context, _, _ uuid.UUID, to models.State) (*models.Expense, error) {
	f.lastState = to
	if f.transition != nil {
		return nil, f.transition
	}
	exp := *f.expense
	exp.State = to
	return &exp, nil
}

func sampleExpense() *models.Expense {
	return &models.Expense{
		ID:            uuid.New(),
		Amount:        decimal.RequireFromString("45.5"),
		Currency:      "USD",
		Description:   "comida en Whole Foods",
		Category:      models.CategoryInHouseFood,
		PaymentMethod: models.PaymentCard,
		Confidence:    0.97,
		State:         models.StatePendingConfirm,
		Provenance:    models.Provenance{Modality: models.ModalityText, Providers: []string{"gigachat"}},
		CreatedAt:     time.Now(),
	}
}

func newTestApp(svc ExpenseService, userID string) *fiber.App {
	h := NewExpenseHandler(svc, zap.NewNop())

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id, err := uuid.Parse(userID); err == nil {
			middleware.SetIdentity(c, middleware.Identity{UserID: id, HomeCurrency: "PEN"})
		}
		return c.Next()
	})
	app.Post("/expenses/text", h.IngestText)
	app.Post("/expenses/audio", h.IngestAudio)
	app.Post("/expenses/upload", h.IngestUpload)
	app.Get("/expenses", h.ListExpenses)
	app.Get("/expenses/:id", h.GetExpense)
	app.Get("/expenses/:id/audit", h.GetAudit)
	app.Post("/expenses/:id/state", h.UpdateState)
	return app
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestIngestTextCreated(t *testing.T) {
	user := uuid.New()
	id := uuid.New()
	svc := &fakeExpenseService{result: &ingest.Result{RecordID: id, IdentityKey: "k", State: models.StateConfirmed, Confidence: 0.97}}
	app := newTestApp(svc, user.String())

	resp, err := app.Test(jsonRequest(http.MethodPost, "/expenses/text", dto.IngestTextRequest{
		Text: "Gasté 45.50 dólares en comida en Whole Foods con tarjeta", DeliveryID: "tg-1", Language: "es",
	}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	body := decodeBody[dto.IngestResponse](t, resp)
	assert.Equal(t, id.String(), body.RecordID)
	assert.Equal(t, "confirmed", body.State)
	assert.False(t, body.Duplicate)
	assert.Empty(t, body.DuplicateOf)

	assert.Equal(t, models.ModalityText, svc.lastRaw.Modality)
	assert.Equal(t, "tg-1", svc.lastRaw.DeliveryID)
	assert.Equal(t, "es", svc.lastRaw.LanguageHint)
	assert.Equal(t, user, svc.lastRaw.UserID)
	assert.Equal(t, "PEN", svc.lastRaw.HomeCurrency)
}

func TestIngestTextDuplicate(t *testing.T) {
	id := uuid.New()
	svc := &fakeExpenseService{result: &ingest.Result{RecordID: id, State: models.StatePendingConfirm, Duplicate: true}}
	app := newTestApp(svc, uuid.NewString())

	resp, err := app.Test(jsonRequest(http.MethodPost, "/expenses/text", dto.IngestTextRequest{Text: "taxi 12 soles"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[dto.IngestResponse](t, resp)
	assert.True(t, body.Duplicate)
	assert.Equal(t, id.String(), body.DuplicateOf)
}

func TestIngestErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"input", &ingest.InputError{Reason: "empty text"}, fiber.StatusBadRequest},
		{"provider", &ingest.ProviderError{Kind: ingest.ErrExtraction, Provider: "gigachat", Err: fmt.Errorf("status 503"), Retryable: true}, fiber.StatusBadGateway},
		{"provider timeout", &ingest.ProviderError{Kind: ingest.ErrTranscription, Provider: "whisper", Err: context.DeadlineExceeded, Retryable: true}, fiber.StatusGatewayTimeout},
		{"storage", &ingest.StorageError{Op: "insert", Err: fmt.Errorf("disk full")}, fiber.StatusInternalServerError},
		{"unexpected", fmt.Errorf("boom"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeExpenseService{ingestErr: tt.err}, uuid.NewString())

			resp, err := app.Test(jsonRequest(http.MethodPost, "/expenses/text", dto.IngestTextRequest{Text: "x"}))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestProviderErrorBody(t *testing.T) {
	providerErr := &ingest.ProviderError{Kind: ingest.ErrParsing, Provider: "gigachat-receipt", Err: fmt.Errorf("unreadable"), Retryable: false}
	app := newTestApp(&fakeExpenseService{ingestErr: providerErr}, uuid.NewString())

	resp, err := app.Test(jsonRequest(http.MethodPost, "/expenses/text", dto.IngestTextRequest{Text: "x"}))
	require.NoError(t, err)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "parsing failed", body["error"])
	assert.Equal(t, "gigachat-receipt", body["provider"])
	assert.Equal(t, false, body["retryable"])
}

func TestIngestRequiresUser(t *testing.T) {
	app := newTestApp(&fakeExpenseService{}, "")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/expenses/text", dto.IngestTextRequest{Text: "x"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestIngestTextBadBody(t *testing.T) {
	app := newTestApp(&fakeExpenseService{}, uuid.NewString())

	req := httptest.NewRequest(http.MethodPost, "/expenses/text", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func multipartRequest(t *testing.T, target, contentType string, payload []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if payload != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="upload.bin"`)
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestIngestAudioUpload(t *testing.T) {
	svc := &fakeExpenseService{result: &ingest.Result{RecordID: uuid.New(), State: models.StatePendingConfirm}}
	app := newTestApp(svc, uuid.NewString())

	resp, err := app.Test(multipartRequest(t, "/expenses/audio", "audio/ogg", []byte("OggS-voice"), map[string]string{
		"delivery_id": "wa-99",
		"language":    "pt",
	}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	assert.Equal(t, models.ModalityAudio, svc.lastRaw.Modality)
	assert.Equal(t, []byte("OggS-voice"), svc.lastRaw.Payload)
	assert.Equal(t, "audio/ogg", svc.lastRaw.ContentType)
	assert.Equal(t, "upload.bin", svc.lastRaw.FileName)
	assert.Equal(t, "wa-99", svc.lastRaw.DeliveryID)
	assert.Equal(t, "pt", svc.lastRaw.LanguageHint)
}

func TestIngestUploadDetectsModality(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		payload     []byte
		want        models.Modality
	}{
		{"receipt photo", "image/jpeg", []byte("\xff\xd8\xff\xe0jpeg"), models.ModalityImage},
		{"pdf", "application/pdf", []byte("%PDF-1.7"), models.ModalityImage},
		{"voice note", "audio/mpeg", []byte("ID3"), models.ModalityAudio},
		{"plain text file", "text/plain; charset=utf-8", []byte("taxi 12 soles"), models.ModalityText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeExpenseService{result: &ingest.Result{RecordID: uuid.New(), State: models.StatePendingConfirm}}
			app := newTestApp(svc, uuid.NewString())

			resp, err := app.Test(multipartRequest(t, "/expenses/upload", tt.contentType, tt.payload, nil))
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
			assert.Equal(t, tt.want, svc.lastRaw.Modality)
			if tt.want == models.ModalityText {
				assert.Equal(t, "taxi 12 soles", svc.lastRaw.Text)
				assert.Nil(t, svc.lastRaw.Payload)
			}
		})
	}
}

func TestIngestUploadRejections(t *testing.T) {
	app := newTestApp(&fakeExpenseService{}, uuid.NewString())

	resp, err := app.Test(multipartRequest(t, "/expenses/upload", "application/zip", []byte("PK\x03\x04"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(multipartRequest(t, "/expenses/audio", "", nil, map[string]string{"delivery_id": "x"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGetExpense(t *testing.T) {
	exp := sampleExpense()
	app := newTestApp(&fakeExpenseService{expense: exp}, uuid.NewString())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/expenses/"+exp.ID.String(), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[dto.ExpenseResponse](t, resp)
	assert.Equal(t, "45.50", body.Amount)
	assert.Equal(t, "in_house_food", body.Category)
	require.NotNil(t, body.Provenance)
	assert.Equal(t, []string{"gigachat"}, body.Provenance.Providers)
}

func TestGetExpenseErrors(t *testing.T) {
	app := newTestApp(&fakeExpenseService{recordErr: ingest.ErrRecordNotFound}, uuid.NewString())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/expenses/"+uuid.NewString(), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/expenses/not-a-uuid", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/expenses/"+uuid.NewString()+"/audit", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetAudit(t *testing.T) {
	app := newTestApp(&fakeExpenseService{expense: sampleExpense()}, uuid.NewString())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/expenses/"+uuid.NewString()+"/audit", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody[[]dto.RawInputResponse](t, resp)
	require.Len(t, body, 2)
	assert.Equal(t, "accepted", body[0].Outcome)
	assert.Equal(t, "duplicate", body[1].Outcome)
	assert.Equal(t, "tg-7", body[1].DeliveryID)
}

func TestListExpenses(t *testing.T) {
	svc := &fakeExpenseService{expense: sampleExpense()}
	app := newTestApp(svc, uuid.NewString())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/expenses?state=pending_confirm&limit=5&offset=10", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatePendingConfirm, svc.lastState)
	assert.Equal(t, 5, svc.lastLimit)
	assert.Equal(t, 10, svc.lastOffset)

	body := decodeBody[[]dto.ExpenseResponse](t, resp)
	require.Len(t, body, 1)
	assert.Nil(t, body[0].Provenance)
}

func TestUpdateState(t *testing.T) {
	exp := sampleExpense()
	target := "/expenses/" + exp.ID.String() + "/state"

	svc := &fakeExpenseService{expense: exp}
	resp, err := newTestApp(svc, uuid.NewString()).Test(jsonRequest(http.MethodPost, target, dto.StateRequest{State: "confirmed"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StateConfirmed, svc.lastState)
	assert.Equal(t, "confirmed", decodeBody[dto.ExpenseResponse](t, resp).State)

	conflict := &fakeExpenseService{expense: exp, transition: fmt.Errorf("%w: expense is confirmed", ingest.ErrStateConflict)}
	resp, err = newTestApp(conflict, uuid.NewString()).Test(jsonRequest(http.MethodPost, target, dto.StateRequest{State: "flagged"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	invalid := &fakeExpenseService{expense: exp, transition: &ingest.InputError{Reason: "unsupported target state pending_confirm"}}
	resp, err = newTestApp(invalid, uuid.NewString()).Test(jsonRequest(http.MethodPost, target, dto.StateRequest{State: "pending_confirm"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "unsupported target state")
}
