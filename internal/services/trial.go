package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/narrata/backend/internal/models"
)

var (
	// ErrNoFingerprint is returned when the request carries too little signal
	// to derive a stable anonymous id.
	ErrNoFingerprint = errors.New("cannot fingerprint request")
	// ErrTrialExhausted is returned when the free quota is used up.
	ErrTrialExhausted = errors.New("free trial exhausted")
	// ErrRateLimited is returned when anonymous requests come too fast.
	ErrRateLimited = errors.New("too many anonymous requests")
)

// Fingerprint is the derived anonymous identity for one visitor.
type Fingerprint struct {
	AnonID       string
	IPHash       string
	IPSubnetHash string
	UserAgent    string
	Details      map[string]string
}

// TrialAnonRepo is the minimal anon_usage interface for the trial tracker.
type TrialAnonRepo interface {
	GetOrCreate(ctx context.Context, u *models.AnonUsage) (*models.AnonUsage, error)
	Consume(ctx context.Context, anonID string, ceiling int) (int, error)
}

// TrialEntryRepo records trial consumption in the ledger.
type TrialEntryRepo interface {
	Create(ctx context.Context, e *models.CreditEntry) error
	CountRecentByAnon(ctx context.Context, anonID string, since time.Time) (int, error)
}

// TrialService tracks the anonymous free quota. Identity is a keyed HMAC
// over weak request signals, so it is deliberately fuzzy: shared NATs
// under-count, browser changes over-count. That is the accepted trade.
type TrialService struct {
	Anon        TrialAnonRepo
	Entries     TrialEntryRepo
	Secret      []byte
	FreeUses    int
	HourlyLimit int
	Logger      *slog.Logger
}

func NewTrialService(anon TrialAnonRepo, entries TrialEntryRepo, secret []byte, freeUses, hourlyLimit int, logger *slog.Logger) *TrialService {
	return &TrialService{Anon: anon, Entries: entries, Secret: secret, FreeUses: freeUses, HourlyLimit: hourlyLimit, Logger: logger}
}

// Fingerprint derives the anonymous id from client signals. The raw IP is
// hashed before it enters the composite and is never stored.
func (s *TrialService) Fingerprint(ip, userAgent, acceptLanguage, timezone string) (*Fingerprint, error) {
	if ip == "" {
		return nil, ErrNoFingerprint
	}
	ipHash := s.hexHMAC("ip|" + ip)
	subnetHash := s.hexHMAC("subnet|" + subnetOf(ip))

	seed := strings.Join([]string{ipHash, userAgent, acceptLanguage, timezone}, "|")
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(seed))
	anonID := "anon_" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return &Fingerprint{
		AnonID:       anonID,
		IPHash:       ipHash,
		IPSubnetHash: subnetHash,
		UserAgent:    userAgent,
		Details: map[string]string{
			"user_agent":      userAgent,
			"accept_language": acceptLanguage,
			"timezone":        timezone,
		},
	}, nil
}

// Ensure creates the visitor row if it does not exist yet.
func (s *TrialService) Ensure(ctx context.Context, fp *Fingerprint) (*models.AnonUsage, error) {
	details, err := json.Marshal(fp.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal fingerprint details: %w", err)
	}
	u := &models.AnonUsage{
		AnonID:       fp.AnonID,
		IPHash:       &fp.IPHash,
		IPSubnetHash: &fp.IPSubnetHash,
		UserAgent:    &fp.UserAgent,
		Fingerprint:  details,
	}
	return s.Anon.GetOrCreate(ctx, u)
}

// Remaining reports how many free uses the visitor has left.
func (s *TrialService) Remaining(u *models.AnonUsage) int {
	remaining := s.FreeUses - u.UsageCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckRate enforces the trailing-hour anonymous rate limit, counted from the
// ledger. Counting failures fail open: a degraded counter must not block
// legitimate trials.
func (s *TrialService) CheckRate(ctx context.Context, anonID string) error {
	n, err := s.Entries.CountRecentByAnon(ctx, anonID, time.Now().Add(-time.Hour))
	if err != nil {
		s.Logger.Error("count recent anon usage", "anon_id", anonID, "error", err)
		return nil
	}
	if n >= s.HourlyLimit {
		return ErrRateLimited
	}
	return nil
}

// Consume spends one free use. The quota check and the increment are a single
// conditional update; the ledger entry lands immediately confirmed because
// trial uses are never refunded. Returns the uses remaining afterwards.
func (s *TrialService) Consume(ctx context.Context, anonID, refID string) (int, error) {
	count, err := s.Anon.Consume(ctx, anonID, s.FreeUses)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrTrialExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("consume trial: %w", err)
	}

	entry := &models.CreditEntry{
		AnonID:  &anonID,
		Kind:    models.CreditKindConsume,
		Status:  models.CreditStatusConfirmed,
		Credits: -1,
		RefID:   &refID,
	}
	if err := s.Entries.Create(ctx, entry); err != nil {
		s.Logger.Error("record trial consume", "anon_id", anonID, "error", err)
	}

	remaining := s.FreeUses - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *TrialService) hexHMAC(v string) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(v))
	return hex.EncodeToString(mac.Sum(nil))
}

// subnetOf widens an address to its network: first three octets for IPv4,
// first four groups for IPv6.
func subnetOf(ip string) string {
	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) > 4 {
			parts = parts[:4]
		}
		return strings.Join(parts, ":")
	}
	parts := strings.Split(ip, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ".")
}
