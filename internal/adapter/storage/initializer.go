package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/alexvas/accounts"
)

const (
	sqlInsertUser = `INSERT INTO users DEFAULT VALUES RETURNING id`

	sqlInsertAccount = `INSERT INTO accounts (user_id, balance, settlement) VALUES ($1, $2, $3)
RETURNING id, user_id, balance, settlement`
)

// Initializer seeds users and accounts for demos and tests. Unlike transfer
// creation these operations are not idempotent; they are not part of the API.
type Initializer struct {
	db DB
}

func NewInitializer(db DB) *Initializer {
	return &Initializer{db: db}
}

// CreateUser creates a user together with their settlement account, atomically.
func (i *Initializer) CreateUser(ctx context.Context) (*accounts.User, error) {
	tx, err := i.db.Begin(ctx)
	if err != nil {
		return nil, accounts.Internal("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var user accounts.User
	if err := tx.QueryRow(ctx, sqlInsertUser).Scan(&user.ID); err != nil {
		return nil, accounts.Internal("insert user: %v", err)
	}

	var settlement accounts.Account
	err = tx.QueryRow(ctx, sqlInsertAccount, user.ID, int64(0), true).
		Scan(&settlement.ID, &settlement.UserID, &settlement.Balance, &settlement.Settlement)
	if err != nil {
		return nil, accounts.Internal("insert settlement account for user %s: %v", user.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, accounts.Internal("commit: %v", err)
	}

	return &user, nil
}

// CreateAccount creates an additional (non-settlement) account holding the
// given starting balance.
func (i *Initializer) CreateAccount(ctx context.Context, userID uuid.UUID, balance int64) (*accounts.Account, error) {
	if balance < 0 || balance > accounts.MaxAmount {
		return nil, accounts.BadRequest("starting balance out of range")
	}

	var account accounts.Account
	err := i.db.QueryRow(ctx, sqlInsertAccount, userID, balance, false).
		Scan(&account.ID, &account.UserID, &account.Balance, &account.Settlement)
	if err != nil {
		return nil, accounts.Internal("insert account for user %s: %v", userID, err)
	}

	return &account, nil
}
