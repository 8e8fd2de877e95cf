package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"expense-ingest/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is the local, single-file store used by the CLI and tests. It
// enforces the same identity-key uniqueness as the Postgres schema.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateWithAudit(ctx context.Context, exp *models.Expense, rec *models.RawInputRecord) error {
	expQuery, err := insertExpenseQuery(exp, squirrel.Question)
	if err != nil {
		return err
	}
	expSQL, expArgs, err := expQuery.ToSql()
	if err != nil {
		return err
	}
	recSQL, recArgs, err := insertRawInputQuery(rec, squirrel.Question).ToSql()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, expSQL, expArgs...); err != nil {
		if isSQLiteIdentityViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert expense: %w", err)
	}

	if _, err := tx.ExecContext(ctx, recSQL, recArgs...); err != nil {
		return fmt.Errorf("failed to insert raw input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStore) AppendRawInput(ctx context.Context, rec *models.RawInputRecord) error {
	query, args, err := insertRawInputQuery(rec, squirrel.Question).ToSql()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	return s.getOne(ctx, squirrel.Eq{"id": id.String()})
}

func (s *SQLiteStore) FindByIdentityKey(ctx context.Context, key string) (*models.Expense, error) {
	return s.getOne(ctx, squirrel.Eq{"identity_key": key})
}

func (s *SQLiteStore) getOne(ctx context.Context, where squirrel.Eq) (*models.Expense, error) {
	query, args, err := squirrel.Select(expenseColumns...).
		From("expenses").
		Where(where).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	exp, err := scanSQLiteExpense(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return exp, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID uuid.UUID, state models.State, limit, offset int) ([]*models.Expense, error) {
	query, args, err := listExpensesQuery(userID, state, limit, offset).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var expenses []*models.Expense
	for rows.Next() {
		exp, err := scanSQLiteExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, exp)
	}

	return expenses, rows.Err()
}

func (s *SQLiteStore) UpdateStateIf(ctx context.Context, id uuid.UUID, from, to models.State, at time.Time) (bool, error) {
	query, args, err := updateStateQuery(id, from, to, at).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListRawInputs(ctx context.Context, identityKey string) ([]*models.RawInputRecord, error) {
	query, args, err := squirrel.Select(rawInputColumns...).
		From("raw_inputs").
		Where(squirrel.Eq{"identity_key": identityKey}).
		OrderBy("received_at ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExpense(row rowScanner) (*models.Expense, error) {
	var exp models.Expense
	var userID uuid.NullUUID
	var provenance string
	if err := row.Scan(
		&exp.ID, &userID, &exp.IdentityKey, &exp.Amount, &exp.Currency, &exp.Description, &exp.Category,
		&exp.PaymentMethod, &exp.Merchant, &exp.InstrumentHint, &exp.OccurredAt, &exp.Confidence, &exp.State,
		&provenance, &exp.ArtifactRef, &exp.ArtifactHash, &exp.CreatedAt, &exp.UpdatedAt, &exp.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	exp.UserID = userID.UUID
	if provenance != "" {
		if err := json.Unmarshal([]byte(provenance), &exp.Provenance); err != nil {
			return nil, fmt.Errorf("failed to decode provenance: %w", err)
		}
	}
	return &exp, nil
}

func isSQLiteIdentityViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "expenses.identity_key")
}
