package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alexvas/accounts"
)

// https://www.postgresql.org/docs/current/errcodes-appendix.html
const uniqueViolation = "23505"

const t9nColumns = "id, external_id, state, from_user, to_user, from_account, to_account, amount, created, modified"

const (
	sqlUserExists = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	sqlAccountsByUser = `SELECT id, user_id, balance, settlement FROM accounts WHERE user_id = $1`

	sqlAccountBelongsToUser = `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1 AND user_id = $2)`

	sqlT9nByID = `SELECT ` + t9nColumns + ` FROM t9ns WHERE id = $1`

	sqlT9nByExternalID = `SELECT ` + t9nColumns + ` FROM t9ns WHERE external_id = $1`

	// The destination is resolved to the recipient's settlement account at
	// insert time, so a caller can never target an arbitrary account.
	sqlInsertT9n = `INSERT INTO t9ns (external_id, from_user, from_account, to_user, to_account, amount)
SELECT $1, $2, $3, $4, a.id, $5 FROM accounts a WHERE a.user_id = $4 AND a.settlement
RETURNING ` + t9nColumns

	// Seek pagination: pages are keyed by (counterparty, created, external_id)
	// so they stay stable under concurrent inserts.
	sqlOutgoingFirst = `SELECT ` + t9nColumns + ` FROM t9ns
WHERE from_user = $1 AND to_user <> $1
ORDER BY to_user, created, external_id LIMIT $2`

	sqlOutgoingAfter = `SELECT ` + t9nColumns + ` FROM t9ns
WHERE from_user = $1 AND to_user <> $1 AND (to_user, created, external_id) > ($2, $3, $4)
ORDER BY to_user, created, external_id LIMIT $5`

	sqlIncomingFirst = `SELECT ` + t9nColumns + ` FROM t9ns
WHERE to_user = $1 AND from_user <> $1
ORDER BY from_user, created, external_id LIMIT $2`

	sqlIncomingAfter = `SELECT ` + t9nColumns + ` FROM t9ns
WHERE to_user = $1 AND from_user <> $1 AND (from_user, created, external_id) > ($2, $3, $4)
ORDER BY from_user, created, external_id LIMIT $5`

	// Locking discipline: every operation touching both tables locks the
	// transfer row first ("FOR NO KEY UPDATE"), then updates the account row.
	// One update per table, always in that order. Reversing it reintroduces
	// deadlocks under concurrent mutual transfers (A->B and B->A in flight).
	sqlLockInitiated = `SELECT from_account, amount FROM t9ns WHERE id = $1 AND state = 'INITIATED' FOR NO KEY UPDATE`

	sqlLockDebited = `SELECT to_account, amount FROM t9ns WHERE id = $1 AND state = 'DEBITED' FOR NO KEY UPDATE`

	sqlDebitAccount = `UPDATE accounts SET balance = balance - $2 WHERE id = $1 AND balance >= $2`

	sqlCreditAccount = `UPDATE accounts SET balance = balance + $2 WHERE id = $1 AND balance <= $3 - $2`

	// Compare-and-set on the prior state makes every transition idempotent.
	sqlUpdateT9nState = `UPDATE t9ns SET state = $3, modified = now() WHERE id = $1 AND state = $2`

	sqlStaleT9ns = `SELECT ` + t9nColumns + ` FROM t9ns WHERE state = $1 AND modified < $2 ORDER BY modified LIMIT $3`
)

// Ledger is the transactional store behind the transfer processor. All
// mutations are single-row conditional updates; mutual exclusion is delegated
// entirely to row-level locks in Postgres.
type Ledger struct {
	db DB
}

func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// ListAccounts returns all accounts owned by the user.
func (s *Ledger) ListAccounts(ctx context.Context, userID uuid.UUID) ([]accounts.Account, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, accounts.Internal("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := userExists(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, sqlAccountsByUser, userID)
	if err != nil {
		return nil, accounts.Internal("select accounts of user %s: %v", userID, err)
	}

	owned, err := pgx.CollectRows(rows, pgx.RowToStructByPos[accounts.Account])
	if err != nil {
		return nil, accounts.Internal("scan accounts of user %s: %v", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, accounts.Internal("commit: %v", err)
	}

	return owned, nil
}

// AccountBelongsToUser is a pure membership check with no error path for
// missing entities.
func (s *Ledger) AccountBelongsToUser(ctx context.Context, accountID, userID uuid.UUID) (bool, error) {
	var belongs bool
	if err := s.db.QueryRow(ctx, sqlAccountBelongsToUser, accountID, userID).Scan(&belongs); err != nil {
		return false, accounts.Internal("check account %s ownership: %v", accountID, err)
	}
	return belongs, nil
}

// OutgoingT9ns pages through transfers sent by the user, seek style. A zero
// lastT9nID means the first page.
func (s *Ledger) OutgoingT9ns(ctx context.Context, userID, lastT9nID uuid.UUID, limit int) ([]accounts.T9n, error) {
	return s.t9nPage(ctx, userID, lastT9nID, limit, false)
}

// IncomingT9ns pages through transfers addressed to the user, seek style.
func (s *Ledger) IncomingT9ns(ctx context.Context, userID, lastT9nID uuid.UUID, limit int) ([]accounts.T9n, error) {
	return s.t9nPage(ctx, userID, lastT9nID, limit, true)
}

func (s *Ledger) t9nPage(ctx context.Context, userID, lastT9nID uuid.UUID, limit int, incoming bool) ([]accounts.T9n, error) {
	if limit <= 0 {
		return nil, accounts.BadRequest("non-positive limit")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, accounts.Internal("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := userExists(ctx, tx, userID); err != nil {
		return nil, err
	}

	var rows pgx.Rows

	first, after := sqlOutgoingFirst, sqlOutgoingAfter
	if incoming {
		first, after = sqlIncomingFirst, sqlIncomingAfter
	}

	if lastT9nID == uuid.Nil {
		rows, err = tx.Query(ctx, first, userID, limit)
	} else {
		var last accounts.T9n
		last, err = t9nByID(ctx, tx, lastT9nID)
		if err != nil {
			return nil, err
		}

		counterparty := last.ToUser
		if incoming {
			counterparty = last.FromUser
		}

		rows, err = tx.Query(ctx, after, userID, counterparty, last.Created, last.ExternalID, limit)
	}
	if err != nil {
		return nil, accounts.Internal("select transfers of user %s: %v", userID, err)
	}

	page, err := pgx.CollectRows(rows, pgx.RowToStructByPos[accounts.T9n])
	if err != nil {
		return nil, accounts.Internal("scan transfers of user %s: %v", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, accounts.Internal("commit: %v", err)
	}

	return page, nil
}

// CreateOutgoingTransfer creates a transfer in INITIATED state, idempotently
// on externalID. A replay with identical parameters returns the stored row;
// a replay with different parameters is ENTITY_ALREADY_EXISTS.
func (s *Ledger) CreateOutgoingTransfer(
	ctx context.Context,
	externalID, fromUser, fromAccount, toUser uuid.UUID,
	amount int64,
) (*accounts.T9n, error) {
	// Read first, reads are cheap.
	if t9n, err := s.findExisting(ctx, externalID, fromUser, fromAccount, toUser, amount); err != nil || t9n != nil {
		return t9n, err
	}

	var t9n accounts.T9n
	err := scanT9n(s.db.QueryRow(ctx, sqlInsertT9n, externalID, fromUser, fromAccount, toUser, amount), &t9n)
	if err == nil {
		return &t9n, nil
	}

	// The insert-select inserts nothing when the recipient has no settlement
	// account, i.e. the recipient does not exist.
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accounts.Errf(accounts.CodeUserNotFound, "recipient %s not found", toUser)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil, accounts.Internal("insert transfer %s: %v", externalID, err)
	}

	// A concurrent caller won the race on the external_id unique key. Their
	// insert has already committed, so a single re-read settles the outcome.
	t9nRetry, err := s.findExisting(ctx, externalID, fromUser, fromAccount, toUser, amount)
	if err != nil {
		return nil, err
	}
	if t9nRetry == nil {
		return nil, accounts.Internal("transfer %s vanished after unique violation", externalID)
	}

	return t9nRetry, nil
}

func (s *Ledger) findExisting(
	ctx context.Context,
	externalID, fromUser, fromAccount, toUser uuid.UUID,
	amount int64,
) (*accounts.T9n, error) {
	var t9n accounts.T9n
	err := scanT9n(s.db.QueryRow(ctx, sqlT9nByExternalID, externalID), &t9n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, accounts.Internal("select transfer by external id %s: %v", externalID, err)
	}

	if !t9n.Matches(externalID, fromUser, fromAccount, toUser, amount) {
		return nil, accounts.Errf(accounts.CodeEntityAlreadyExists,
			"different transfer %s exists for external id %s", t9n.ID, externalID)
	}

	return &t9n, nil
}

// DebitSender performs the first transition of a transfer: take amount from
// the sender's account and move INITIATED -> DEBITED, or decline.
//
// Returns false without error when the transfer already left INITIATED, so
// replaying a debit is a safe no-op.
func (s *Ledger) DebitSender(ctx context.Context, t9nID uuid.UUID) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, accounts.Internal("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	// Lock the transfer row first, filtered to the expected state. No row
	// means the transfer already progressed.
	var fromAccount uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, sqlLockInitiated, t9nID).Scan(&fromAccount, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, accounts.Internal("lock transfer %s: %v", t9nID, err)
	}

	// One conditional update on the account; the balance guard is the
	// insufficient-funds check.
	tag, err := tx.Exec(ctx, sqlDebitAccount, fromAccount, amount)
	if err != nil {
		return false, accounts.Internal("debit account %s: %v", fromAccount, err)
	}

	switch n := tag.RowsAffected(); n {
	case 0:
		if err := s.mustTransition(ctx, tx, t9nID, accounts.T9nInitiated, accounts.T9nDeclined); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, accounts.Internal("commit: %v", err)
		}
		return false, accounts.Errf(accounts.CodeInsufficientFunds,
			"not enough money on account %s for transfer %s of amount %d", fromAccount, t9nID, amount)
	case 1:
		if err := s.mustTransition(ctx, tx, t9nID, accounts.T9nInitiated, accounts.T9nDebited); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, accounts.Internal("commit: %v", err)
		}
		return true, nil
	default:
		return false, accounts.Internal("invalid number of accounts updated: %d for transfer %s", n, t9nID)
	}
}

// CreditRecipient performs the second transition: put amount on the
// recipient's settlement account and move DEBITED -> COMPLETED, or park the
// transfer in OVERFLOW when the recipient has no capacity.
//
// A transfer that already left DEBITED is a no-op.
func (s *Ledger) CreditRecipient(ctx context.Context, t9nID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return accounts.Internal("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	// Same lock ordering as DebitSender: transfer row first, then account.
	var toAccount uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, sqlLockDebited, t9nID).Scan(&toAccount, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return accounts.Internal("lock transfer %s: %v", t9nID, err)
	}

	tag, err := tx.Exec(ctx, sqlCreditAccount, toAccount, amount, accounts.MaxAmount)
	if err != nil {
		return accounts.Internal("credit account %s: %v", toAccount, err)
	}

	switch n := tag.RowsAffected(); n {
	case 0:
		if err := s.mustTransition(ctx, tx, t9nID, accounts.T9nDebited, accounts.T9nOverflow); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return accounts.Internal("commit: %v", err)
		}
		return accounts.Errf(accounts.CodeFundsOverflow,
			"too much money on account %s to accept transfer %s of amount %d", toAccount, t9nID, amount)
	case 1:
		if err := s.mustTransition(ctx, tx, t9nID, accounts.T9nDebited, accounts.T9nCompleted); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return accounts.Internal("commit: %v", err)
		}
		return nil
	default:
		return accounts.Internal("invalid number of accounts updated: %d for transfer %s", n, t9nID)
	}
}

// StaleInitiated returns transfers stuck in INITIATED whose last modification
// is older than olderThan. Used only by the reconciliation sweep.
func (s *Ledger) StaleInitiated(ctx context.Context, olderThan time.Duration, limit int) ([]accounts.T9n, error) {
	return s.stale(ctx, accounts.T9nInitiated, olderThan, limit)
}

// StaleDebited is StaleInitiated for the DEBITED state.
func (s *Ledger) StaleDebited(ctx context.Context, olderThan time.Duration, limit int) ([]accounts.T9n, error) {
	return s.stale(ctx, accounts.T9nDebited, olderThan, limit)
}

func (s *Ledger) stale(ctx context.Context, state accounts.T9nState, olderThan time.Duration, limit int) ([]accounts.T9n, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := s.db.Query(ctx, sqlStaleT9ns, state, cutoff, limit)
	if err != nil {
		return nil, accounts.Internal("select stale %s transfers: %v", state, err)
	}

	t9ns, err := pgx.CollectRows(rows, pgx.RowToStructByPos[accounts.T9n])
	if err != nil {
		return nil, accounts.Internal("scan stale %s transfers: %v", state, err)
	}

	return t9ns, nil
}

// mustTransition applies the compare-and-set state change and treats a no-op
// as an invariant violation: the caller holds the transfer-row lock, so the
// state it observed cannot have changed underneath.
func (s *Ledger) mustTransition(ctx context.Context, tx pgx.Tx, t9nID uuid.UUID, from, to accounts.T9nState) error {
	tag, err := tx.Exec(ctx, sqlUpdateT9nState, t9nID, from, to)
	if err != nil {
		return accounts.Internal("transition transfer %s %s -> %s: %v", t9nID, from, to, err)
	}
	if n := tag.RowsAffected(); n != 1 {
		slog.Error("wrong number of transfers transitioned",
			"t9n_id", t9nID, "from", from, "to", to, "rows", n)
		return accounts.Internal("wrong number of transfers (%d) transitioned %s -> %s for %s", n, from, to, t9nID)
	}
	return nil
}

func userExists(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, sqlUserExists, userID).Scan(&exists); err != nil {
		return accounts.Internal("check user %s: %v", userID, err)
	}
	if !exists {
		return accounts.Errf(accounts.CodeUserNotFound, "user %s not found", userID)
	}
	return nil
}

func t9nByID(ctx context.Context, tx pgx.Tx, t9nID uuid.UUID) (accounts.T9n, error) {
	var t9n accounts.T9n
	err := scanT9n(tx.QueryRow(ctx, sqlT9nByID, t9nID), &t9n)
	if errors.Is(err, pgx.ErrNoRows) {
		return t9n, accounts.Errf(accounts.CodeT9nNotFound, "no transfer found for %s", t9nID)
	}
	if err != nil {
		return t9n, accounts.Internal("select transfer %s: %v", t9nID, err)
	}
	return t9n, nil
}

func scanT9n(row pgx.Row, t9n *accounts.T9n) error {
	return row.Scan(
		&t9n.ID, &t9n.ExternalID, &t9n.State,
		&t9n.FromUser, &t9n.ToUser, &t9n.FromAccount, &t9n.ToAccount,
		&t9n.Amount, &t9n.Created, &t9n.Modified,
	)
}
