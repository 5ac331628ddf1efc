package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/narrata/backend/internal/models"
)

var (
	// ErrInsufficientCredits is returned when the balance cannot cover a reservation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCreditsExpired is returned when the account's credits have lapsed.
	ErrCreditsExpired = errors.New("credits expired")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrDuplicateRequest is returned when a reservation reuses a reference id.
	ErrDuplicateRequest = errors.New("duplicate request reference")
)

// CreditValidity is how long purchased credits stay usable after the purchase event.
const CreditValidity = 365 * 24 * time.Hour

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditAccountRepo is the minimal account repository interface for credit ops.
type CreditAccountRepo interface {
	GetByID(ctx context.Context, id int64) (*models.UserAccount, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.UserAccount, error)
	ReserveBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64) (int64, error)
	RestoreBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64) (int64, error)
	AddBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64, expiresAt time.Time) (int64, error)
	ZeroBalance(ctx context.Context, tx pgx.Tx, id int64) error
}

// CreditEntryRepo is the minimal ledger interface for credit ops.
type CreditEntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) error
	CreateIdempotentTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) (bool, error)
	Confirm(ctx context.Context, id int64) (bool, error)
	RefundTx(ctx context.Context, tx pgx.Tx, id int64, patch []byte) (*models.CreditEntry, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)
}

// CreditService owns the debit-then-settle lifecycle of account credits.
type CreditService struct {
	DB       TxBeginner
	Accounts CreditAccountRepo
	Entries  CreditEntryRepo
	Logger   *slog.Logger
}

func NewCreditService(db TxBeginner, accounts CreditAccountRepo, entries CreditEntryRepo, logger *slog.Logger) *CreditService {
	return &CreditService{DB: db, Accounts: accounts, Entries: entries, Logger: logger}
}

// ReserveResult reports the pending entry and the balance after the debit.
type ReserveResult struct {
	EntryID int64
	Balance int64
}

// CreditsExpired reports whether the account's credits have lapsed.
// A nil expires_at means the credits never expire.
func CreditsExpired(acc *models.UserAccount, now time.Time) bool {
	return acc.ExpiresAt != nil && now.After(*acc.ExpiresAt)
}

// Reserve debits amount and records a pending consume entry keyed by refID,
// atomically. The balance can never go negative: the conditional decrement
// and the entry insert commit together or not at all.
func (s *CreditService) Reserve(ctx context.Context, accountID, amount int64, refID string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acc, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if CreditsExpired(acc, time.Now()) {
		return nil, ErrCreditsExpired
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.Accounts.ReserveBalance(ctx, tx, accountID, amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("reserve balance: %w", err)
	}

	entry := &models.CreditEntry{
		AccountID: &accountID,
		Kind:      models.CreditKindConsume,
		Status:    models.CreditStatusPending,
		Credits:   -amount,
		RefID:     &refID,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("insert consume entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}
	return &ReserveResult{EntryID: entry.ID, Balance: balance}, nil
}

// Confirm settles a pending reservation as spent. Returns false when the
// entry was already settled; the conditional update makes replays harmless.
func (s *CreditService) Confirm(ctx context.Context, entryID int64) (bool, error) {
	return s.Entries.Confirm(ctx, entryID)
}

// Refund releases a pending reservation and restores the debited balance.
// Returns false when the entry was already settled. The status flip and the
// balance restore commit together.
func (s *CreditService) Refund(ctx context.Context, entryID int64, reason string) (bool, error) {
	patch, err := json.Marshal(map[string]string{"refund_reason": reason})
	if err != nil {
		return false, fmt.Errorf("marshal refund patch: %w", err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.Entries.RefundTx(ctx, tx, entryID, patch)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refund entry: %w", err)
	}

	if entry.AccountID != nil && entry.Credits < 0 {
		if _, err := s.Accounts.RestoreBalance(ctx, tx, *entry.AccountID, -entry.Credits); err != nil {
			return false, fmt.Errorf("restore balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refund tx: %w", err)
	}
	return true, nil
}

// Add grants amount credits as a confirmed recharge entry keyed by refID.
// Replays with the same refID return false and change nothing. Expiry is
// extended to eventTime + CreditValidity, but never pulled backward.
func (s *CreditService) Add(ctx context.Context, accountID, amount int64, refID string, metadata map[string]any, eventTime time.Time) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin add tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := &models.CreditEntry{
		AccountID: &accountID,
		Kind:      models.CreditKindRecharge,
		Status:    models.CreditStatusConfirmed,
		Credits:   amount,
		RefID:     &refID,
		Metadata:  meta,
	}
	inserted, err := s.Entries.CreateIdempotentTx(ctx, tx, entry)
	if err != nil {
		return false, fmt.Errorf("insert recharge entry: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if _, err := s.Accounts.AddBalance(ctx, tx, accountID, amount, eventTime.Add(CreditValidity)); err != nil {
		return false, fmt.Errorf("add balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit add tx: %w", err)
	}
	return true, nil
}

// ReleaseStale refunds reservations that have sat pending longer than
// olderThan. Keeps going past individual failures; returns the refund count.
func (s *CreditService) ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ids, err := s.Entries.ListStalePending(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	released := 0
	for _, id := range ids {
		ok, err := s.Refund(ctx, id, "reservation timed out")
		if err != nil {
			s.Logger.Error("release stale reservation", "entry_id", id, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// ExpireBalance zeroes a lapsed account's balance and records a confirmed
// expire entry for the full remainder. Returns false when there was nothing
// to expire.
func (s *CreditService) ExpireBalance(ctx context.Context, accountID int64) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return false, fmt.Errorf("lock account: %w", err)
	}
	if acc.Balance <= 0 || !CreditsExpired(acc, time.Now()) {
		return false, nil
	}

	if err := s.Accounts.ZeroBalance(ctx, tx, accountID); err != nil {
		return false, fmt.Errorf("zero balance: %w", err)
	}
	entry := &models.CreditEntry{
		AccountID: &accountID,
		Kind:      models.CreditKindExpire,
		Status:    models.CreditStatusConfirmed,
		Credits:   -acc.Balance,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return false, fmt.Errorf("insert expire entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit expire tx: %w", err)
	}
	return true, nil
}
