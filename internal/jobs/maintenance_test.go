package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/narrata/backend/internal/models"
)

type mockCredits struct {
	releasedAge time.Duration
	released    int
	expired     []int64
	expireErrOn int64
}

func (m *mockCredits) ReleaseStale(_ context.Context, olderThan time.Duration, _ int) (int, error) {
	m.releasedAge = olderThan
	return m.released, nil
}

func (m *mockCredits) ExpireBalance(_ context.Context, accountID int64) (bool, error) {
	if accountID == m.expireErrOn {
		return false, errors.New("lock timeout")
	}
	m.expired = append(m.expired, accountID)
	return true, nil
}

type mockExpiredLister struct {
	accounts []*models.UserAccount
}

func (m *mockExpiredLister) ListExpired(context.Context, time.Time, int) ([]*models.UserAccount, error) {
	return m.accounts, nil
}

func TestReservationJanitor_PassesMaxAge(t *testing.T) {
	credits := &mockCredits{released: 2}
	w := &ReservationJanitorWorker{Credits: credits, MaxAge: 45 * time.Minute, Logger: slog.Default()}

	if err := w.Work(context.Background(), &river.Job[ReservationJanitorArgs]{}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if credits.releasedAge != 45*time.Minute {
		t.Errorf("max age: got %v, want 45m", credits.releasedAge)
	}
}

func TestExpirySweep_ContinuesPastFailures(t *testing.T) {
	credits := &mockCredits{expireErrOn: 2}
	lister := &mockExpiredLister{accounts: []*models.UserAccount{{ID: 1}, {ID: 2}, {ID: 3}}}
	w := &ExpirySweepWorker{Credits: credits, Accounts: lister, Logger: slog.Default()}

	if err := w.Work(context.Background(), &river.Job[ExpirySweepArgs]{}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(credits.expired) != 2 {
		t.Fatalf("expired accounts: got %v, want [1 3]", credits.expired)
	}
	if credits.expired[0] != 1 || credits.expired[1] != 3 {
		t.Errorf("expired accounts: got %v, want [1 3]", credits.expired)
	}
}
