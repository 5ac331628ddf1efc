package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/narrata/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockNarrCredits struct {
	mu         sync.Mutex
	reserveErr error
	reserved   []string
	confirmed  []int64
	refunded   []int64
	nextEntry  int64
}

func (m *mockNarrCredits) Reserve(_ context.Context, _ int64, _ int64, refID string) (*ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return nil, m.reserveErr
	}
	m.nextEntry++
	m.reserved = append(m.reserved, refID)
	return &ReserveResult{EntryID: m.nextEntry, Balance: 4}, nil
}

func (m *mockNarrCredits) Confirm(_ context.Context, entryID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = append(m.confirmed, entryID)
	return true, nil
}

func (m *mockNarrCredits) Refund(_ context.Context, entryID int64, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded = append(m.refunded, entryID)
	return true, nil
}

type mockTrialTracker struct {
	rateErr    error
	consumeErr error
	remaining  int
	consumed   []string
}

func (m *mockTrialTracker) CheckRate(context.Context, string) error { return m.rateErr }

func (m *mockTrialTracker) Consume(_ context.Context, anonID, _ string) (int, error) {
	if m.consumeErr != nil {
		return 0, m.consumeErr
	}
	m.consumed = append(m.consumed, anonID)
	return m.remaining, nil
}

type mockNarrator struct {
	text   string
	err    error
	called int
}

func (m *mockNarrator) Narrate(context.Context, string, string) (string, error) {
	m.called++
	return m.text, m.err
}

type mockUsage struct {
	mu      sync.Mutex
	err     error
	records []*models.UsageRecord
}

func (m *mockUsage) Create(_ context.Context, u *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *u
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockUsage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func newNarrationFixture() (*NarrationService, *mockNarrCredits, *mockTrialTracker, *mockNarrator, *mockUsage) {
	credits := &mockNarrCredits{}
	trial := &mockTrialTracker{remaining: 0}
	ai := &mockNarrator{text: "A quiet harbor at dusk."}
	usage := &mockUsage{}
	svc := NewNarrationService(credits, trial, ai, usage, slog.Default())
	return svc, credits, trial, ai, usage
}

func testUser() *models.UserAccount {
	return &models.UserAccount{ID: 1, AuthUserID: "user_abc", Balance: 5}
}

// ---------------------------------------------------------------------------
// GenerateForUser
// ---------------------------------------------------------------------------

func TestGenerateForUser_ConfirmsOnSuccess(t *testing.T) {
	svc, credits, _, _, usage := newNarrationFixture()

	res, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", "describe it")
	if err != nil {
		t.Fatalf("GenerateForUser: %v", err)
	}
	if res.Text == "" || res.RequestID == "" {
		t.Error("result should carry text and a request id")
	}
	if res.Balance != 4 {
		t.Errorf("balance: got %d, want 4", res.Balance)
	}
	if len(credits.confirmed) != 1 {
		t.Errorf("confirms: got %d, want 1", len(credits.confirmed))
	}
	if len(credits.refunded) != 0 {
		t.Errorf("refunds: got %d, want 0", len(credits.refunded))
	}
	if usage.count() != 1 {
		t.Errorf("usage records: got %d, want 1", usage.count())
	}
}

func TestGenerateForUser_RefundsOnModelFailure(t *testing.T) {
	svc, credits, _, ai, usage := newNarrationFixture()
	ai.err = errors.New("upstream 500")

	_, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", "")
	if err == nil {
		t.Fatal("expected the model error to propagate")
	}
	if len(credits.refunded) != 1 {
		t.Errorf("refunds: got %d, want 1", len(credits.refunded))
	}
	if len(credits.confirmed) != 0 {
		t.Errorf("confirms: got %d, want 0", len(credits.confirmed))
	}
	if usage.count() != 0 {
		t.Errorf("a failed generation must not be recorded: got %d records", usage.count())
	}
}

func TestGenerateForUser_TimeoutRefunds(t *testing.T) {
	svc, credits, _, ai, _ := newNarrationFixture()
	ai.err = ErrAITimeout

	_, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", "")
	if !errors.Is(err, ErrAITimeout) {
		t.Fatalf("expected ErrAITimeout, got: %v", err)
	}
	if len(credits.refunded) != 1 {
		t.Errorf("refunds: got %d, want 1", len(credits.refunded))
	}
}

func TestGenerateForUser_NoCreditsSkipsModel(t *testing.T) {
	svc, credits, _, ai, _ := newNarrationFixture()
	credits.reserveErr = ErrInsufficientCredits

	_, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got: %v", err)
	}
	if ai.called != 0 {
		t.Error("model must not be called without a reservation")
	}
}

func TestGenerateForUser_AuditFailureStillDelivers(t *testing.T) {
	svc, credits, _, _, usage := newNarrationFixture()
	usage.err = errors.New("history table down")

	res, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", "")
	if err != nil {
		t.Fatalf("GenerateForUser: %v", err)
	}
	if res.Text == "" {
		t.Error("narration should still be delivered")
	}
	if len(credits.confirmed) != 1 {
		t.Errorf("confirms: got %d, want 1", len(credits.confirmed))
	}
}

func TestGenerateForUser_InputValidation(t *testing.T) {
	svc, credits, _, ai, _ := newNarrationFixture()

	if _, err := svc.GenerateForUser(context.Background(), testUser(), "", ""); !errors.Is(err, ErrImageRequired) {
		t.Errorf("empty image url: expected ErrImageRequired, got: %v", err)
	}
	long := strings.Repeat("p", maxPromptLen+1)
	if _, err := svc.GenerateForUser(context.Background(), testUser(), "https://img.test/cat.jpg", long); !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("oversized prompt: expected ErrPromptTooLong, got: %v", err)
	}
	if len(credits.reserved) != 0 || ai.called != 0 {
		t.Error("invalid input must not reserve or call the model")
	}
}

// ---------------------------------------------------------------------------
// GenerateForAnon
// ---------------------------------------------------------------------------

func TestGenerateForAnon_ConsumesTrial(t *testing.T) {
	svc, _, trial, _, usage := newNarrationFixture()

	res, err := svc.GenerateForAnon(context.Background(), "anon_1", "https://img.test/cat.jpg", "")
	if err != nil {
		t.Fatalf("GenerateForAnon: %v", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining: got %d, want 0", res.Remaining)
	}
	if len(trial.consumed) != 1 {
		t.Errorf("consumes: got %d, want 1", len(trial.consumed))
	}
	if usage.count() != 1 {
		t.Errorf("usage records: got %d, want 1", usage.count())
	}
}

func TestGenerateForAnon_RateLimitedBeforeConsume(t *testing.T) {
	svc, _, trial, ai, _ := newNarrationFixture()
	trial.rateErr = ErrRateLimited

	_, err := svc.GenerateForAnon(context.Background(), "anon_1", "https://img.test/cat.jpg", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got: %v", err)
	}
	if len(trial.consumed) != 0 {
		t.Error("rate-limited request must not consume the trial")
	}
	if ai.called != 0 {
		t.Error("rate-limited request must not call the model")
	}
}

func TestGenerateForAnon_Exhausted(t *testing.T) {
	svc, _, trial, ai, _ := newNarrationFixture()
	trial.consumeErr = ErrTrialExhausted

	_, err := svc.GenerateForAnon(context.Background(), "anon_1", "https://img.test/cat.jpg", "")
	if !errors.Is(err, ErrTrialExhausted) {
		t.Fatalf("expected ErrTrialExhausted, got: %v", err)
	}
	if ai.called != 0 {
		t.Error("exhausted trial must not call the model")
	}
}

// The trial use is spent up front and stays spent when the model fails.
func TestGenerateForAnon_FailureStillBurnsTrial(t *testing.T) {
	svc, _, trial, ai, usage := newNarrationFixture()
	ai.err = errors.New("upstream 500")

	_, err := svc.GenerateForAnon(context.Background(), "anon_1", "https://img.test/cat.jpg", "")
	if err == nil {
		t.Fatal("expected the model error to propagate")
	}
	if len(trial.consumed) != 1 {
		t.Errorf("consumes: got %d, want 1", len(trial.consumed))
	}
	if usage.count() != 0 {
		t.Errorf("a failed generation must not be recorded: got %d records", usage.count())
	}
}
