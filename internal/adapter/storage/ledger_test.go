package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexvas/accounts"
)

var t9nColumnNames = []string{
	"id", "external_id", "state",
	"from_user", "to_user", "from_account", "to_account",
	"amount", "created", "modified",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return mock
}

func t9nRow(t9n accounts.T9n) *pgxmock.Rows {
	return pgxmock.NewRows(t9nColumnNames).AddRow(
		t9n.ID, t9n.ExternalID, t9n.State,
		t9n.FromUser, t9n.ToUser, t9n.FromAccount, t9n.ToAccount,
		t9n.Amount, t9n.Created, t9n.Modified,
	)
}

func sampleT9n() accounts.T9n {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return accounts.T9n{
		ID:          uuid.New(),
		ExternalID:  uuid.New(),
		State:       accounts.T9nInitiated,
		FromUser:    uuid.New(),
		ToUser:      uuid.New(),
		FromAccount: uuid.New(),
		ToAccount:   uuid.New(),
		Amount:      100,
		Created:     now,
		Modified:    now,
	}
}

func expectUserExists(mock pgxmock.PgxPoolIface, userID uuid.UUID, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta(sqlUserExists)).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestListAccounts(t *testing.T) {
	userID := uuid.New()
	settlementID, otherID := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, userID, true)
	mock.ExpectQuery(regexp.QuoteMeta(sqlAccountsByUser)).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "balance", "settlement"}).
			AddRow(settlementID, userID, int64(0), true).
			AddRow(otherID, userID, int64(500), false))
	mock.ExpectCommit()

	owned, err := NewLedger(mock).ListAccounts(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, accounts.Account{ID: settlementID, UserID: userID, Balance: 0, Settlement: true}, owned[0])
	assert.Equal(t, accounts.Account{ID: otherID, UserID: userID, Balance: 500, Settlement: false}, owned[1])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccountsUserNotFound(t *testing.T) {
	userID := uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, userID, false)
	mock.ExpectRollback()

	_, err := NewLedger(mock).ListAccounts(context.Background(), userID)
	assert.Equal(t, accounts.CodeUserNotFound, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountBelongsToUser(t *testing.T) {
	accountID, userID := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlAccountBelongsToUser)).
		WithArgs(accountID, userID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	belongs, err := NewLedger(mock).AccountBelongsToUser(context.Background(), accountID, userID)
	require.NoError(t, err)
	assert.False(t, belongs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutgoingT9nsFirstPage(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, t9n.FromUser, true)
	mock.ExpectQuery(regexp.QuoteMeta(sqlOutgoingFirst)).
		WithArgs(t9n.FromUser, 1).
		WillReturnRows(t9nRow(t9n))
	mock.ExpectCommit()

	page, err := NewLedger(mock).OutgoingT9ns(context.Background(), t9n.FromUser, uuid.Nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, t9n, page[0])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutgoingT9nsSeekPage(t *testing.T) {
	last := sampleT9n()
	next := sampleT9n()
	next.FromUser = last.FromUser

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, last.FromUser, true)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByID)).
		WithArgs(last.ID).
		WillReturnRows(t9nRow(last))
	// the page resumes strictly after (to_user, created, external_id) of the
	// last seen transfer
	mock.ExpectQuery(regexp.QuoteMeta(sqlOutgoingAfter)).
		WithArgs(last.FromUser, last.ToUser, last.Created, last.ExternalID, 2).
		WillReturnRows(t9nRow(next))
	mock.ExpectCommit()

	page, err := NewLedger(mock).OutgoingT9ns(context.Background(), last.FromUser, last.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, next, page[0])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncomingT9nsSeekPage(t *testing.T) {
	last := sampleT9n()

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, last.ToUser, true)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByID)).
		WithArgs(last.ID).
		WillReturnRows(t9nRow(last))
	mock.ExpectQuery(regexp.QuoteMeta(sqlIncomingAfter)).
		WithArgs(last.ToUser, last.FromUser, last.Created, last.ExternalID, 5).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectCommit()

	page, err := NewLedger(mock).IncomingT9ns(context.Background(), last.ToUser, last.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestT9nPageUnknownLastTransfer(t *testing.T) {
	userID, lastID := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	expectUserExists(mock, userID, true)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByID)).
		WithArgs(lastID).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectRollback()

	_, err := NewLedger(mock).OutgoingT9ns(context.Background(), userID, lastID, 5)
	assert.Equal(t, accounts.CodeT9nNotFound, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestT9nPageNonPositiveLimit(t *testing.T) {
	mock := newMock(t)

	_, err := NewLedger(mock).OutgoingT9ns(context.Background(), uuid.New(), uuid.Nil, 0)
	assert.Equal(t, accounts.CodeBadRequest, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func createArgs(t9n accounts.T9n) []any {
	return []any{t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount}
}

func TestCreateOutgoingTransferInsertsNew(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(sqlInsertT9n)).
		WithArgs(createArgs(t9n)...).
		WillReturnRows(t9nRow(t9n))

	created, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount)
	require.NoError(t, err)
	assert.Equal(t, t9n, *created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOutgoingTransferIdempotentReplay(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(t9nRow(t9n))

	created, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount)
	require.NoError(t, err)
	assert.Equal(t, t9n.ID, created.ID, "replay returns the stored transfer, no new row")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOutgoingTransferConflictingReplay(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(t9nRow(t9n))

	_, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount+1)
	assert.Equal(t, accounts.CodeEntityAlreadyExists, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOutgoingTransferRecipientWithoutSettlement(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	// the insert-select finds no settlement account, so nothing comes back
	mock.ExpectQuery(regexp.QuoteMeta(sqlInsertT9n)).
		WithArgs(createArgs(t9n)...).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))

	_, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount)
	assert.Equal(t, accounts.CodeUserNotFound, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOutgoingTransferRetriesOnUniqueViolation(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(sqlInsertT9n)).
		WithArgs(createArgs(t9n)...).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	// a concurrent creator won the race and has already committed, so the
	// single re-read settles it
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(t9nRow(t9n))

	created, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount)
	require.NoError(t, err)
	assert.Equal(t, t9n.ID, created.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOutgoingTransferOtherInsertErrorIsInternal(t *testing.T) {
	t9n := sampleT9n()

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlT9nByExternalID)).
		WithArgs(t9n.ExternalID).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(sqlInsertT9n)).
		WithArgs(createArgs(t9n)...).
		WillReturnError(errors.New("connection reset"))

	_, err := NewLedger(mock).CreateOutgoingTransfer(context.Background(),
		t9n.ExternalID, t9n.FromUser, t9n.FromAccount, t9n.ToUser, t9n.Amount)
	assert.Equal(t, accounts.CodeInternal, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSenderSuccess(t *testing.T) {
	t9nID, fromAccount := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockInitiated)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"from_account", "amount"}).AddRow(fromAccount, int64(100)))
	mock.ExpectExec(regexp.QuoteMeta(sqlDebitAccount)).
		WithArgs(fromAccount, int64(100)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(sqlUpdateT9nState)).
		WithArgs(t9nID, accounts.T9nInitiated, accounts.T9nDebited).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	debited, err := NewLedger(mock).DebitSender(context.Background(), t9nID)
	require.NoError(t, err)
	assert.True(t, debited)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSenderAlreadyProgressed(t *testing.T) {
	t9nID := uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockInitiated)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"from_account", "amount"}))
	mock.ExpectRollback()

	debited, err := NewLedger(mock).DebitSender(context.Background(), t9nID)
	require.NoError(t, err, "replaying a done transition is a no-op, not an error")
	assert.False(t, debited)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSenderInsufficientFunds(t *testing.T) {
	t9nID, fromAccount := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockInitiated)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"from_account", "amount"}).AddRow(fromAccount, int64(1001)))
	mock.ExpectExec(regexp.QuoteMeta(sqlDebitAccount)).
		WithArgs(fromAccount, int64(1001)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(sqlUpdateT9nState)).
		WithArgs(t9nID, accounts.T9nInitiated, accounts.T9nDeclined).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// the DECLINED transition commits together with the business error
	mock.ExpectCommit()

	debited, err := NewLedger(mock).DebitSender(context.Background(), t9nID)
	assert.Equal(t, accounts.CodeInsufficientFunds, accounts.CodeOf(err))
	assert.False(t, debited)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSenderImpossibleRowCount(t *testing.T) {
	t9nID, fromAccount := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockInitiated)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"from_account", "amount"}).AddRow(fromAccount, int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(sqlDebitAccount)).
		WithArgs(fromAccount, int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectRollback()

	_, err := NewLedger(mock).DebitSender(context.Background(), t9nID)
	assert.Equal(t, accounts.CodeInternal, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRecipientSuccess(t *testing.T) {
	t9nID, toAccount := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockDebited)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"to_account", "amount"}).AddRow(toAccount, int64(100)))
	mock.ExpectExec(regexp.QuoteMeta(sqlCreditAccount)).
		WithArgs(toAccount, int64(100), accounts.MaxAmount).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(sqlUpdateT9nState)).
		WithArgs(t9nID, accounts.T9nDebited, accounts.T9nCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := NewLedger(mock).CreditRecipient(context.Background(), t9nID)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRecipientAlreadyProgressed(t *testing.T) {
	t9nID := uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockDebited)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"to_account", "amount"}))
	mock.ExpectRollback()

	err := NewLedger(mock).CreditRecipient(context.Background(), t9nID)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRecipientOverflow(t *testing.T) {
	t9nID, toAccount := uuid.New(), uuid.New()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlLockDebited)).
		WithArgs(t9nID).
		WillReturnRows(pgxmock.NewRows([]string{"to_account", "amount"}).AddRow(toAccount, int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(sqlCreditAccount)).
		WithArgs(toAccount, int64(1), accounts.MaxAmount).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(sqlUpdateT9nState)).
		WithArgs(t9nID, accounts.T9nDebited, accounts.T9nOverflow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := NewLedger(mock).CreditRecipient(context.Background(), t9nID)
	assert.Equal(t, accounts.CodeFundsOverflow, accounts.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleQueries(t *testing.T) {
	stale := sampleT9n()
	stale.State = accounts.T9nDebited

	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sqlStaleT9ns)).
		WithArgs(accounts.T9nInitiated, pgxmock.AnyArg(), 100).
		WillReturnRows(pgxmock.NewRows(t9nColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(sqlStaleT9ns)).
		WithArgs(accounts.T9nDebited, pgxmock.AnyArg(), 100).
		WillReturnRows(t9nRow(stale))

	ledger := NewLedger(mock)

	initiated, err := ledger.StaleInitiated(context.Background(), 10*time.Second, 100)
	require.NoError(t, err)
	assert.Empty(t, initiated)

	debited, err := ledger.StaleDebited(context.Background(), 10*time.Second, 100)
	require.NoError(t, err)
	require.Len(t, debited, 1)
	assert.Equal(t, stale.ID, debited[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
