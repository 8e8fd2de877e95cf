package handlers

import (
	"context"
	"errors"
	"io"

	"expense-ingest/internal/dto"
	"expense-ingest/internal/ingest"
	"expense-ingest/internal/models"
	"expense-ingest/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpenseService is the ingestion pipeline as seen by the HTTP layer.
type ExpenseService interface {
	Ingest(ctx context.Context, raw models.RawInput) (*ingest.Result, error)
	Record(ctx context.Context, userID, id uuid.UUID) (*models.Expense, error)
	Audit(ctx context.Context, userID, id uuid.UUID) ([]*models.RawInputRecord, error)
	List(ctx context.Context, userID uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error)
	Transition(ctx context.Context, userID, id uuid.UUID, to models.State) (*models.Expense, error)
}

type ExpenseHandler struct {
	expenses ExpenseService
	logger   *zap.Logger
}

func NewExpenseHandler(expenses ExpenseService, logger *zap.Logger) *ExpenseHandler {
	return &ExpenseHandler{
		expenses: expenses,
		logger:   logger,
	}
}

// IngestText godoc
// @Summary Ingest a text expense
// @Description Extract an expense from a free-form message and persist it idempotently
// @Tags expenses
// @Accept json
// @Produce json
// @Param request body dto.IngestTextRequest true "Message"
// @Security Bearer
// @Success 201 {object} dto.IngestResponse
// @Success 200 {object} dto.IngestResponse "Duplicate delivery"
// @Failure 400 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /api/v1/expenses/text [post]
func (h *ExpenseHandler) IngestText(c *fiber.Ctx) error {
	caller, err := getIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	var req dto.IngestTextRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	return h.ingest(c, models.RawInput{
		Modality:     models.ModalityText,
		Text:         req.Text,
		DeliveryID:   req.DeliveryID,
		UserID:       caller.UserID,
		HomeCurrency: caller.HomeCurrency,
		LanguageHint: req.Language,
	})
}

// IngestAudio godoc
// @Summary Ingest a voice note
// @Tags expenses
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Audio file"
// @Param delivery_id formData string false "Messaging platform message id"
// @Param language formData string false "Language hint"
// @Security Bearer
// @Success 201 {object} dto.IngestResponse
// @Failure 400 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /api/v1/expenses/audio [post]
func (h *ExpenseHandler) IngestAudio(c *fiber.Ctx) error {
	return h.ingestFile(c, models.ModalityAudio)
}

// IngestReceipt godoc
// @Summary Ingest a receipt photo or PDF
// @Tags expenses
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Receipt image or PDF"
// @Param delivery_id formData string false "Messaging platform message id"
// @Security Bearer
// @Success 201 {object} dto.IngestResponse
// @Failure 400 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /api/v1/expenses/receipt [post]
func (h *ExpenseHandler) IngestReceipt(c *fiber.Ctx) error {
	return h.ingestFile(c, models.ModalityImage)
}

// IngestUpload godoc
// @Summary Ingest a file, detecting audio or receipt from its type
// @Tags expenses
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Audio, image or PDF"
// @Param delivery_id formData string false "Messaging platform message id"
// @Security Bearer
// @Success 201 {object} dto.IngestResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/expenses/upload [post]
func (h *ExpenseHandler) IngestUpload(c *fiber.Ctx) error {
	return h.ingestFile(c, "")
}

func (h *ExpenseHandler) ingestFile(c *fiber.Ctx, modality models.Modality) error {
	caller, err := getIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "File is required",
		})
	}

	src, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to open file",
		})
	}
	defer src.Close()

	payload, err := io.ReadAll(src)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read file",
		})
	}

	contentType := file.Header.Get("Content-Type")
	if modality == "" {
		detected, ok := ingest.DetectModality(contentType, payload)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unsupported file type",
			})
		}
		modality = detected
	}

	raw := models.RawInput{
		Modality:     modality,
		Payload:      payload,
		ContentType:  contentType,
		FileName:     file.Filename,
		DeliveryID:   c.FormValue("delivery_id"),
		UserID:       caller.UserID,
		HomeCurrency: caller.HomeCurrency,
		LanguageHint: c.FormValue("language"),
	}
	if modality == models.ModalityText {
		raw.Text = string(payload)
		raw.Payload = nil
	}
	return h.ingest(c, raw)
}

func (h *ExpenseHandler) ingest(c *fiber.Ctx, raw models.RawInput) error {
	result, err := h.expenses.Ingest(c.Context(), raw)
	if err != nil {
		return h.writeError(c, err)
	}

	resp := dto.IngestResponse{
		RecordID:    result.RecordID.String(),
		IdentityKey: result.IdentityKey,
		State:       string(result.State),
		Confidence:  result.Confidence,
		Duplicate:   result.Duplicate,
		Defects:     result.Defects,
	}
	if result.Duplicate {
		resp.DuplicateOf = result.RecordID.String()
		return c.Status(fiber.StatusOK).JSON(resp)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// GetExpense godoc
// @Summary Get an expense with its provenance
// @Tags expenses
// @Produce json
// @Param id path string true "Expense ID"
// @Security Bearer
// @Success 200 {object} dto.ExpenseResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/expenses/{id} [get]
func (h *ExpenseHandler) GetExpense(c *fiber.Ctx) error {
	userID, id, ok, err := userAndExpenseID(c)
	if !ok {
		return err
	}

	exp, err := h.expenses.Record(c.Context(), userID, id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(dto.NewExpenseResponse(exp, true))
}

// GetAudit godoc
// @Summary List delivery attempts recorded for an expense
// @Tags expenses
// @Produce json
// @Param id path string true "Expense ID"
// @Security Bearer
// @Success 200 {array} dto.RawInputResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/expenses/{id}/audit [get]
func (h *ExpenseHandler) GetAudit(c *fiber.Ctx) error {
	userID, id, ok, err := userAndExpenseID(c)
	if !ok {
		return err
	}

	recs, err := h.expenses.Audit(c.Context(), userID, id)
	if err != nil {
		return h.writeError(c, err)
	}

	resp := make([]dto.RawInputResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, dto.NewRawInputResponse(rec))
	}
	return c.JSON(resp)
}

// ListExpenses godoc
// @Summary List user's expenses
// @Tags expenses
// @Produce json
// @Param state query string false "pending_confirm, confirmed or flagged"
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Security Bearer
// @Success 200 {array} dto.ExpenseResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/expenses [get]
func (h *ExpenseHandler) ListExpenses(c *fiber.Ctx) error {
	caller, err := getIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)
	state := models.State(c.Query("state"))

	expenses, err := h.expenses.List(c.Context(), caller.UserID, state, limit, offset)
	if err != nil {
		return h.writeError(c, err)
	}

	resp := make([]dto.ExpenseResponse, 0, len(expenses))
	for _, exp := range expenses {
		resp = append(resp, dto.NewExpenseResponse(exp, false))
	}
	return c.JSON(resp)
}

// UpdateState godoc
// @Summary Confirm or flag a pending expense
// @Tags expenses
// @Accept json
// @Produce json
// @Param id path string true "Expense ID"
// @Param request body dto.StateRequest true "Target state"
// @Security Bearer
// @Success 200 {object} dto.ExpenseResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/expenses/{id}/state [post]
func (h *ExpenseHandler) UpdateState(c *fiber.Ctx) error {
	userID, id, ok, err := userAndExpenseID(c)
	if !ok {
		return err
	}

	var req dto.StateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	exp, err := h.expenses.Transition(c.Context(), userID, id, models.State(req.State))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(dto.NewExpenseResponse(exp, false))
}

// writeError maps the ingestion error taxonomy onto HTTP statuses.
func (h *ExpenseHandler) writeError(c *fiber.Ctx, err error) error {
	var (
		inputErr    *ingest.InputError
		providerErr *ingest.ProviderError
		storageErr  *ingest.StorageError
	)

	switch {
	case errors.As(err, &inputErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": inputErr.Error(),
		})
	case errors.Is(err, ingest.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Expense not found",
		})
	case errors.Is(err, ingest.ErrStateConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Expense is no longer pending confirmation",
		})
	case errors.As(err, &providerErr):
		status := fiber.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = fiber.StatusGatewayTimeout
		}
		h.logger.Warn("Provider failure",
			zap.String("provider", providerErr.Provider),
			zap.Bool("retryable", providerErr.Retryable),
			zap.Error(err),
		)
		return c.Status(status).JSON(fiber.Map{
			"error":     providerErr.Kind.Error(),
			"provider":  providerErr.Provider,
			"retryable": providerErr.Retryable,
		})
	case errors.As(err, &storageErr):
		h.logger.Error("Storage failure", zap.String("op", storageErr.Op), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store expense",
		})
	default:
		h.logger.Error("Unexpected ingestion error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal error",
		})
	}
}

// userAndExpenseID reads the caller and the :id param. When ok is false the
// error response has already been written and err is its send result.
func userAndExpenseID(c *fiber.Ctx) (userID, id uuid.UUID, ok bool, err error) {
	caller, err := getIdentity(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	}

	id, err = uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid expense ID",
		})
	}
	return caller.UserID, id, true, nil
}

func getIdentity(c *fiber.Ctx) (middleware.Identity, error) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		return middleware.Identity{}, fiber.ErrUnauthorized
	}
	return id, nil
}
