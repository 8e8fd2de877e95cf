package ingest

import (
	"strings"

	"expense-ingest/internal/models"

	"github.com/shopspring/decimal"
)

// Validator assigns the lifecycle state of a scored expense. It only returns
// data; notifying anyone about the outcome is up to the caller.
type Validator struct {
	autoAccept    float64
	minAcceptable float64
	maxAmount     decimal.Decimal
}

func NewValidator(cfg Config) *Validator {
	return &Validator{
		autoAccept:    cfg.AutoAcceptThreshold,
		minAcceptable: cfg.MinAcceptableThreshold,
		maxAmount:     cfg.MaxAmount,
	}
}

// Defects lists the structural problems that force a record to flagged.
func (v *Validator) Defects(exp *models.Expense) []string {
	var defects []string
	if !exp.Amount.IsPositive() {
		defects = append(defects, "amount must be positive")
	} else if !v.maxAmount.IsZero() && exp.Amount.GreaterThan(v.maxAmount) {
		defects = append(defects, "amount exceeds "+v.maxAmount.String())
	}
	if !IsKnownCurrency(exp.Currency) {
		defects = append(defects, "invalid currency "+exp.Currency)
	}
	if strings.TrimSpace(exp.Description) == "" {
		defects = append(defects, "description is empty")
	}
	if !exp.Category.Valid() {
		defects = append(defects, "unknown category "+string(exp.Category))
	}
	if !exp.PaymentMethod.Valid() {
		defects = append(defects, "unknown payment method "+string(exp.PaymentMethod))
	}
	return defects
}

// AssignState applies, in order: structural defects, the auto-accept
// threshold, the minimum-acceptable threshold.
func (v *Validator) AssignState(exp *models.Expense, composite float64) models.State {
	if len(v.Defects(exp)) > 0 {
		return models.StateFlagged
	}
	composite = Clamp(composite)
	switch {
	case composite >= v.autoAccept:
		return models.StateConfirmed
	case composite >= v.minAcceptable:
		return models.StatePendingConfirm
	default:
		return models.StateFlagged
	}
}
