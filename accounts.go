// Package accounts defines the ledger's domain model: users, accounts
// holding integer balances in minor units, and transfers (t9ns) moving
// money between them through a small state machine.
package accounts

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MaxAmount bounds both transfer amounts and account balances.
// Keeping it at 2^31-1 lets the storage layer check credit overflow
// with plain signed arithmetic (balance + amount never wraps in int64).
const MaxAmount int64 = math.MaxInt32

// User is an opaque identity owning one or more accounts.
type User struct {
	ID uuid.UUID `json:"id"`
}

// Account holds money in minor units. Every user gets exactly one
// settlement account at creation; transfers addressed to a user land there.
type Account struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Balance    int64     `json:"balance"`
	Settlement bool      `json:"settlement"`
}

// T9nState is a transfer's position in its lifecycle.
//
// The states and transitions between them compose an acyclic graph:
//
//	INITIATED -> DECLINED or DEBITED
//	DEBITED   -> OVERFLOW or COMPLETED
type T9nState string

const (
	T9nInitiated T9nState = "INITIATED"
	T9nDeclined  T9nState = "DECLINED"
	T9nDebited   T9nState = "DEBITED"
	T9nOverflow  T9nState = "OVERFLOW"
	T9nCompleted T9nState = "COMPLETED"
)

// Terminal reports whether no further automatic processing applies.
func (s T9nState) Terminal() bool {
	switch s {
	case T9nDeclined, T9nOverflow, T9nCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s T9nState) CanTransitionTo(next T9nState) bool {
	switch s {
	case T9nInitiated:
		return next == T9nDeclined || next == T9nDebited
	case T9nDebited:
		return next == T9nOverflow || next == T9nCompleted
	}
	return false
}

// T9n is a money transfer between two users. ExternalID is the
// caller-supplied idempotency key; ToAccount is always the recipient's
// settlement account.
type T9n struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  uuid.UUID `json:"external_id"`
	State       T9nState  `json:"state"`
	FromUser    uuid.UUID `json:"from_user"`
	ToUser      uuid.UUID `json:"to_user"`
	FromAccount uuid.UUID `json:"from_account"`
	ToAccount   uuid.UUID `json:"to_account"`
	Amount      int64     `json:"amount"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
}

// Matches reports whether the stored transfer was created from the same
// parameters. Used by idempotent creation to tell a retry from a conflict.
func (t T9n) Matches(externalID, fromUser, fromAccount, toUser uuid.UUID, amount int64) bool {
	return t.ExternalID == externalID &&
		t.FromUser == fromUser &&
		t.FromAccount == fromAccount &&
		t.ToUser == toUser &&
		t.Amount == amount
}

// ValidateTransfer checks the construction invariants shared by the HTTP
// boundary and the processor: positive bounded amount, no self-transfers.
func ValidateTransfer(fromUser, toUser uuid.UUID, amount int64) error {
	if amount <= 0 {
		return BadRequest("transfer amount must be positive")
	}
	if amount > MaxAmount {
		return BadRequest("transfer amount too large")
	}
	if fromUser == toUser {
		return BadRequest("transfers between own accounts are not allowed")
	}
	return nil
}
