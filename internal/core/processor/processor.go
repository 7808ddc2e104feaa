// Package processor drives transfers through their lifecycle: create, debit
// the sender, credit the recipient, and periodically re-drive transfers whose
// asynchronous continuation was lost. All state lives in the store; every
// entry point here is safe to replay.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexvas/accounts"
)

// Store is the slice of the ledger store the processor consumes.
type Store interface {
	AccountBelongsToUser(ctx context.Context, accountID, userID uuid.UUID) (bool, error)
	CreateOutgoingTransfer(ctx context.Context, externalID, fromUser, fromAccount, toUser uuid.UUID, amount int64) (*accounts.T9n, error)
	DebitSender(ctx context.Context, t9nID uuid.UUID) (bool, error)
	CreditRecipient(ctx context.Context, t9nID uuid.UUID) error
	StaleInitiated(ctx context.Context, olderThan time.Duration, limit int) ([]accounts.T9n, error)
	StaleDebited(ctx context.Context, olderThan time.Duration, limit int) ([]accounts.T9n, error)
}

// Processor holds no persistent state of its own: the transfer rows are the
// source of truth, which is what makes crash recovery a plain re-drive.
type Processor struct {
	store      Store
	staleAfter time.Duration
	staleBatch int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(store Store, staleAfter time.Duration, staleBatch int) *Processor {
	return &Processor{
		store:      store,
		staleAfter: staleAfter,
		staleBatch: staleBatch,
	}
}

// InitiateTransfer validates ownership, creates the transfer and returns it
// still in INITIATED state. Debit and credit run detached; callers observe
// completion by re-querying.
func (p *Processor) InitiateTransfer(
	ctx context.Context,
	externalID, fromUser, fromAccount, toUser uuid.UUID,
	amount int64,
) (*accounts.T9n, error) {
	if err := accounts.ValidateTransfer(fromUser, toUser, amount); err != nil {
		return nil, err
	}

	belongs, err := p.store.AccountBelongsToUser(ctx, fromAccount, fromUser)
	if err != nil {
		return nil, err
	}
	if !belongs {
		return nil, accounts.Errf(accounts.CodeOthersAccount,
			"account %s does not belong to user %s", fromAccount, fromUser)
	}

	t9n, err := p.store.CreateOutgoingTransfer(ctx, externalID, fromUser, fromAccount, toUser, amount)
	if err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// The caller's request may finish before the debit lands.
		p.debit(context.WithoutCancel(ctx), t9n.ID)
	}()

	return t9n, nil
}

// Start launches the reconciliation loop. Every staleAfter it re-drives a
// bounded batch of transfers stuck in INITIATED or DEBITED through the same
// idempotent debit/credit entry points, so a process crash between any two
// steps heals without caller involvement.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels the reconciliation loop and waits for it and any in-flight
// transfer continuations to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	slog.Info("reconciliation loop started", "interval", p.staleAfter, "batch", p.staleBatch)

	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	initiated, err := p.store.StaleInitiated(ctx, p.staleAfter, p.staleBatch)
	if err != nil {
		slog.Error("stale INITIATED scan failed", "error", err)
	}
	for _, t9n := range initiated {
		p.debit(ctx, t9n.ID)
	}

	debited, err := p.store.StaleDebited(ctx, p.staleAfter, p.staleBatch)
	if err != nil {
		slog.Error("stale DEBITED scan failed", "error", err)
	}
	for _, t9n := range debited {
		p.credit(ctx, t9n.ID)
	}
}

// debit and credit log and swallow failures: the persisted transfer state is
// authoritative and the sweep guarantees forward progress.
func (p *Processor) debit(ctx context.Context, t9nID uuid.UUID) {
	debited, err := p.store.DebitSender(ctx, t9nID)
	if err != nil {
		slog.Error("debiting failed", "t9n_id", t9nID, "error", err)
		return
	}
	if debited {
		p.credit(ctx, t9nID)
	}
}

func (p *Processor) credit(ctx context.Context, t9nID uuid.UUID) {
	if err := p.store.CreditRecipient(ctx, t9nID); err != nil {
		slog.Error("crediting failed", "t9n_id", t9nID, "error", err)
	}
}
