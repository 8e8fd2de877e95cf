package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns expenses. HomeCurrency is the ISO 4217 code assumed when an
// input names no currency.
type User struct {
	ID           uuid.UUID `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	Password     string    `db:"password"`
	HomeCurrency string    `db:"home_currency"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
