package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narrata/backend/internal/models"
)

// NarrationCost is the credit price of one narration.
const NarrationCost = 1

// maxPromptLen bounds the optional user prompt.
const maxPromptLen = 2000

var (
	// ErrImageRequired is returned when no image url was supplied.
	ErrImageRequired = errors.New("image url required")
	// ErrPromptTooLong is returned when the prompt exceeds the limit.
	ErrPromptTooLong = errors.New("prompt too long")
)

// NarrationCredits is the credit lifecycle used for registered users.
type NarrationCredits interface {
	Reserve(ctx context.Context, accountID, amount int64, refID string) (*ReserveResult, error)
	Confirm(ctx context.Context, entryID int64) (bool, error)
	Refund(ctx context.Context, entryID int64, reason string) (bool, error)
}

// TrialTracker is the anonymous quota used for signed-out visitors.
type TrialTracker interface {
	CheckRate(ctx context.Context, anonID string) error
	Consume(ctx context.Context, anonID, refID string) (int, error)
}

// Narrator produces the narration text.
type Narrator interface {
	Narrate(ctx context.Context, imageURL, prompt string) (string, error)
}

// UsageRecorder persists the audit row for a delivered narration.
type UsageRecorder interface {
	Create(ctx context.Context, u *models.UsageRecord) error
}

// NarrationService orchestrates one generation: pay (reserve or trial),
// call the model, settle exactly once, then audit.
type NarrationService struct {
	Credits NarrationCredits
	Trial   TrialTracker
	AI      Narrator
	Usage   UsageRecorder
	Logger  *slog.Logger
}

func NewNarrationService(credits NarrationCredits, trial TrialTracker, ai Narrator, usage UsageRecorder, logger *slog.Logger) *NarrationService {
	return &NarrationService{Credits: credits, Trial: trial, AI: ai, Usage: usage, Logger: logger}
}

// NarrationResult is the delivered narration plus the caller's quota view:
// Balance for registered users, Remaining free uses for anonymous ones.
type NarrationResult struct {
	Text      string
	RequestID string
	Balance   int64
	Remaining int
}

func validateInput(imageURL, prompt string) error {
	if imageURL == "" {
		return ErrImageRequired
	}
	if len(prompt) > maxPromptLen {
		return ErrPromptTooLong
	}
	return nil
}

// GenerateForUser runs the registered-user flow: reserve 1 credit, call the
// model, confirm on success or refund on failure. The reservation is settled
// exactly once; both settlement paths tolerate replays.
func (s *NarrationService) GenerateForUser(ctx context.Context, acc *models.UserAccount, imageURL, prompt string) (*NarrationResult, error) {
	if err := validateInput(imageURL, prompt); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	res, err := s.Credits.Reserve(ctx, acc.ID, NarrationCost, requestID)
	if err != nil {
		return nil, err
	}

	text, aiErr := s.AI.Narrate(ctx, imageURL, prompt)
	if aiErr != nil {
		ok, refundErr := s.Credits.Refund(ctx, res.EntryID, aiErr.Error())
		if refundErr != nil {
			s.Logger.Error("refund after failed generation", "entry_id", res.EntryID, "request_id", requestID, "error", refundErr)
		} else if !ok {
			s.Logger.Warn("reservation already settled, refund skipped", "entry_id", res.EntryID, "request_id", requestID)
		}
		return nil, aiErr
	}

	// The user already has their narration; a failed confirm must not unwind it.
	ok, confirmErr := s.Credits.Confirm(ctx, res.EntryID)
	if confirmErr != nil {
		s.Logger.Error("confirm reservation", "entry_id", res.EntryID, "request_id", requestID, "error", confirmErr)
	} else if !ok {
		s.Logger.Warn("reservation already settled, confirm skipped", "entry_id", res.EntryID, "request_id", requestID)
	}

	s.record(ctx, &models.UsageRecord{
		AccountID:  &acc.ID,
		AuthUserID: &acc.AuthUserID,
		ImageURL:   imageURL,
		UserPrompt: optional(prompt),
		Narration:  text,
		RequestID:  &requestID,
		Status:     models.UsageStatusActive,
	})

	return &NarrationResult{Text: text, RequestID: requestID, Balance: res.Balance}, nil
}

// GenerateForAnon runs the trial flow. The free use is spent up front and
// never refunded: a failed generation still burned the trial.
func (s *NarrationService) GenerateForAnon(ctx context.Context, anonID, imageURL, prompt string) (*NarrationResult, error) {
	if err := validateInput(imageURL, prompt); err != nil {
		return nil, err
	}
	if err := s.Trial.CheckRate(ctx, anonID); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	remaining, err := s.Trial.Consume(ctx, anonID, requestID)
	if err != nil {
		return nil, err
	}

	text, err := s.AI.Narrate(ctx, imageURL, prompt)
	if err != nil {
		return nil, err
	}

	s.record(ctx, &models.UsageRecord{
		AnonID:     &anonID,
		ImageURL:   imageURL,
		UserPrompt: optional(prompt),
		Narration:  text,
		RequestID:  &requestID,
		Status:     models.UsageStatusActive,
	})

	return &NarrationResult{Text: text, RequestID: requestID, Remaining: remaining}, nil
}

// record writes the audit row best-effort. The history table lagging behind
// is acceptable; losing a delivered narration is not.
func (s *NarrationService) record(ctx context.Context, u *models.UsageRecord) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Usage.Create(recordCtx, u); err != nil {
		s.Logger.Error("record usage", "request_id", u.RequestID, "error", err)
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
