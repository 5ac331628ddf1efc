// Package jobs holds the River background maintenance workers.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/narrata/backend/internal/models"
)

const maintenanceBatch = 100

// MaintenanceCredits is the credit service surface the workers need.
type MaintenanceCredits interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	ExpireBalance(ctx context.Context, accountID int64) (bool, error)
}

// MaintenanceAccounts lists accounts with lapsed credits.
type MaintenanceAccounts interface {
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*models.UserAccount, error)
}

// ReservationJanitorArgs is the periodic job that refunds reservations stuck
// in pending, the recovery path for crashes between reserve and settle.
type ReservationJanitorArgs struct{}

func (ReservationJanitorArgs) Kind() string { return "reservation_janitor" }

type ReservationJanitorWorker struct {
	river.WorkerDefaults[ReservationJanitorArgs]
	Credits MaintenanceCredits
	MaxAge  time.Duration
	Logger  *slog.Logger
}

func (w *ReservationJanitorWorker) Work(ctx context.Context, _ *river.Job[ReservationJanitorArgs]) error {
	released, err := w.Credits.ReleaseStale(ctx, w.MaxAge, maintenanceBatch)
	if err != nil {
		return err
	}
	if released > 0 {
		w.Logger.Warn("released stale reservations", "count", released)
	}
	return nil
}

// ExpirySweepArgs is the periodic job that zeroes lapsed balances and writes
// the matching expire ledger entries.
type ExpirySweepArgs struct{}

func (ExpirySweepArgs) Kind() string { return "credit_expiry_sweep" }

type ExpirySweepWorker struct {
	river.WorkerDefaults[ExpirySweepArgs]
	Credits  MaintenanceCredits
	Accounts MaintenanceAccounts
	Logger   *slog.Logger
}

func (w *ExpirySweepWorker) Work(ctx context.Context, _ *river.Job[ExpirySweepArgs]) error {
	accounts, err := w.Accounts.ListExpired(ctx, time.Now(), maintenanceBatch)
	if err != nil {
		return err
	}
	expired := 0
	for _, acc := range accounts {
		ok, err := w.Credits.ExpireBalance(ctx, acc.ID)
		if err != nil {
			w.Logger.Error("expire balance", "account_id", acc.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		w.Logger.Info("expired lapsed balances", "count", expired)
	}
	return nil
}
