package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expense-ingest/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	identityKeyConstraint = "expenses_identity_key_unique"
	defaultListLimit      = 20
)

var expenseColumns = []string{
	"id", "user_id", "identity_key", "amount", "currency", "description", "category",
	"payment_method", "merchant", "instrument_hint", "occurred_at", "confidence", "state",
	"provenance", "artifact_ref", "artifact_hash", "created_at", "updated_at", "confirmed_at",
}

var rawInputColumns = []string{
	"id", "identity_key", "user_id", "modality", "delivery_id", "content_type", "payload_size",
	"payload_hash", "text_payload", "artifact_ref", "outcome", "expense_id", "error", "received_at",
}

type ExpenseRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewExpenseRepository(db *pgxpool.Pool, logger *zap.Logger) *ExpenseRepository {
	return &ExpenseRepository{
		db:     db,
		logger: logger,
	}
}

// CreateWithAudit inserts the expense and its raw-input audit row in one
// transaction. A second insert for the same identity key yields ErrDuplicateEntry.
func (r *ExpenseRepository) CreateWithAudit(ctx context.Context, exp *models.Expense, rec *models.RawInputRecord) error {
	expQuery, err := insertExpenseQuery(exp, squirrel.Dollar)
	if err != nil {
		return err
	}
	expSQL, expArgs, err := expQuery.ToSql()
	if err != nil {
		return err
	}
	recSQL, recArgs, err := insertRawInputQuery(rec, squirrel.Dollar).ToSql()
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, expSQL, expArgs...); err != nil {
		if isPgIdentityViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert expense: %w", err)
	}

	if _, err := tx.Exec(ctx, recSQL, recArgs...); err != nil {
		return fmt.Errorf("failed to insert raw input: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isPgIdentityViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *ExpenseRepository) AppendRawInput(ctx context.Context, rec *models.RawInputRecord) error {
	sql, args, err := insertRawInputQuery(rec, squirrel.Dollar).ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *ExpenseRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

func (r *ExpenseRepository) FindByIdentityKey(ctx context.Context, key string) (*models.Expense, error) {
	return r.getOne(ctx, squirrel.Eq{"identity_key": key})
}

func (r *ExpenseRepository) getOne(ctx context.Context, where squirrel.Eq) (*models.Expense, error) {
	query := squirrel.Select(expenseColumns...).
		From("expenses").
		Where(where).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	exp, err := scanExpense(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return exp, nil
}

func (r *ExpenseRepository) ListByUser(ctx context.Context, userID uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error) {
	query := listExpensesQuery(userID, state, limit, offset).PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		exp, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, exp)
	}

	return expenses, rows.Err()
}

// UpdateStateIf moves a record from one state to another and reports whether
// a row matched. confirmed_at is stamped on transitions into confirmed.
func (r *ExpenseRepository) UpdateStateIf(ctx context.Context, id uuid.UUID, from, to models.State, at time.Time) (bool, error) {
	query := updateStateQuery(id, from, to, at).PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return false, err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

func (r *ExpenseRepository) ListRawInputs(ctx context.Context, identityKey string) ([]*models.RawInputRecord, error) {
	query := squirrel.Select(rawInputColumns...).
		From("raw_inputs").
		Where(squirrel.Eq{"identity_key": identityKey}).
		OrderBy("received_at ASC").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.RawInputRecord
	for rows.Next() {
		var rec models.RawInputRecord
		var userID, expenseID uuid.NullUUID
		if err := rows.Scan(
			&rec.ID, &rec.IdentityKey, &userID, &rec.Modality, &rec.DeliveryID, &rec.ContentType, &rec.PayloadSize,
			&rec.PayloadHash, &rec.TextPayload, &rec.ArtifactRef, &rec.Outcome, &expenseID, &rec.Error, &rec.ReceivedAt,
		); err != nil {
			return nil, err
		}
		rec.UserID = userID.UUID
		if expenseID.Valid {
			id := expenseID.UUID
			rec.ExpenseID = &id
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

func scanExpense(row pgx.Row) (*models.Expense, error) {
	var exp models.Expense
	var userID uuid.NullUUID
	var provenance []byte
	if err := row.Scan(
		&exp.ID, &userID, &exp.IdentityKey, &exp.Amount, &exp.Currency, &exp.Description, &exp.Category,
		&exp.PaymentMethod, &exp.Merchant, &exp.InstrumentHint, &exp.OccurredAt, &exp.Confidence, &exp.State,
		&provenance, &exp.ArtifactRef, &exp.ArtifactHash, &exp.CreatedAt, &exp.UpdatedAt, &exp.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	exp.UserID = userID.UUID
	if len(provenance) > 0 {
		if err := json.Unmarshal(provenance, &exp.Provenance); err != nil {
			return nil, fmt.Errorf("failed to decode provenance: %w", err)
		}
	}
	return &exp, nil
}

func isPgIdentityViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == identityKeyConstraint
}

// Query builders shared with the SQLite store; callers pick the placeholder format.

func insertExpenseQuery(exp *models.Expense, format squirrel.PlaceholderFormat) (squirrel.InsertBuilder, error) {
	provenance, err := json.Marshal(exp.Provenance)
	if err != nil {
		return squirrel.InsertBuilder{}, fmt.Errorf("failed to encode provenance: %w", err)
	}

	return squirrel.Insert("expenses").
		Columns(expenseColumns...).
		Values(
			exp.ID, nullableUUID(exp.UserID), exp.IdentityKey, exp.Amount.StringFixed(2), exp.Currency, exp.Description,
			string(exp.Category), string(exp.PaymentMethod), exp.Merchant, exp.InstrumentHint, exp.OccurredAt,
			exp.Confidence, string(exp.State), string(provenance), exp.ArtifactRef, exp.ArtifactHash,
			exp.CreatedAt, exp.UpdatedAt, exp.ConfirmedAt,
		).
		PlaceholderFormat(format), nil
}

func insertRawInputQuery(rec *models.RawInputRecord, format squirrel.PlaceholderFormat) squirrel.InsertBuilder {
	var expenseID any
	if rec.ExpenseID != nil {
		expenseID = *rec.ExpenseID
	}

	return squirrel.Insert("raw_inputs").
		Columns(rawInputColumns...).
		Values(
			rec.ID, rec.IdentityKey, nullableUUID(rec.UserID), string(rec.Modality), rec.DeliveryID, rec.ContentType,
			rec.PayloadSize, rec.PayloadHash, rec.TextPayload, rec.ArtifactRef, string(rec.Outcome), expenseID,
			rec.Error, rec.ReceivedAt,
		).
		PlaceholderFormat(format)
}

func listExpensesQuery(userID uuid.UUID, state models.State, limit, offset int) squirrel.SelectBuilder {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := squirrel.Eq{}
	if userID == uuid.Nil {
		where["user_id"] = nil
	} else {
		where["user_id"] = userID
	}
	if state != "" {
		where["state"] = string(state)
	}

	return squirrel.Select(expenseColumns...).
		From("expenses").
		Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
}

func updateStateQuery(id uuid.UUID, from, to models.State, at time.Time) squirrel.UpdateBuilder {
	query := squirrel.Update("expenses").
		Set("state", string(to)).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id, "state": string(from)})
	if to == models.StateConfirmed {
		query = query.Set("confirmed_at", at)
	}
	return query
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
