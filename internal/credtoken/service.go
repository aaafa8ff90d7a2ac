package credtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/ids"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

// maxLivePerType caps live (unused, unexpired) tokens per (user, type).
// Issuing one past the cap invalidates the oldest.
const maxLivePerType = 3

// Store describes persistence operations required by the token service.
type Store interface {
	Insert(ctx context.Context, t Token) error
	// Redeem atomically marks the token used iff it is present, unused
	// and unexpired, guarded by "used_at is null". The bool is false in
	// every other case; the store does not reveal which.
	Redeem(ctx context.Context, tokenHash string, now time.Time) (Token, bool, error)
	Live(ctx context.Context, userID string, typ Type, now time.Time) ([]Token, error)
	// Expire force-expires a token (issue-limit eviction).
	Expire(ctx context.Context, id string, now time.Time) error
}

// Service represents sensitive secrets as opaque, single-use,
// time-bounded tokens so the secret never travels the primary channel.
type Service struct {
	store  Store
	ledger audit.Ledger
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service.
func NewService(store Store, ledger audit.Ledger, opts ...Option) (*Service, error) {
	if store == nil || ledger == nil {
		return nil, fmt.Errorf("%w: store and ledger are required", governance.ErrValidation)
	}
	s := &Service{store: store, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue generates a high-entropy token, stores only its hash plus
// metadata, and returns the plaintext exactly once.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (string, Token, error) {
	if req.UserID == "" {
		return "", Token{}, fmt.Errorf("%w: user_id is required", governance.ErrValidation)
	}
	if !ValidType(req.Type) {
		return "", Token{}, fmt.Errorf("%w: unknown token type %q", governance.ErrValidation, req.Type)
	}
	if req.TTL <= 0 {
		return "", Token{}, fmt.Errorf("%w: ttl must be positive", governance.ErrValidation)
	}

	now := s.now().UTC()
	if err := s.evictOverCap(ctx, req.UserID, req.Type, now); err != nil {
		return "", Token{}, err
	}

	plaintext, err := generateSecret()
	if err != nil {
		return "", Token{}, err
	}
	tok := Token{
		ID:        ids.New(),
		TokenHash: HashToken(plaintext),
		UserID:    req.UserID,
		Type:      req.Type,
		Reason:    req.Reason,
		Payload:   req.Payload,
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
	}
	if err := s.store.Insert(ctx, tok); err != nil {
		return "", Token{}, err
	}

	newVal, _ := json.Marshal(map[string]any{
		"token_id":   tok.ID,
		"type":       tok.Type,
		"expires_at": tok.ExpiresAt,
	})
	if _, err := s.ledger.Append(ctx, audit.Event{
		ActorID:   req.UserID,
		EventType: audit.EventTokenIssued,
		TargetID:  tok.ID,
		NewValue:  newVal,
		Severity:  audit.SeverityInfo,
	}); err != nil {
		return "", Token{}, err
	}
	obs.TokensIssued.WithLabelValues(string(tok.Type)).Inc()
	return plaintext, tok, nil
}

// Redeem consumes a token. Absent, already used and expired are
// deliberately indistinguishable: all return ErrInvalidOrExpiredToken.
// A second redemption, even concurrent with the first, fails identically
// to "never existed".
func (s *Service) Redeem(ctx context.Context, plaintext string) (Redemption, error) {
	if plaintext == "" {
		return Redemption{}, governance.ErrInvalidOrExpiredToken
	}
	hash := HashToken(plaintext)
	tok, ok, err := s.store.Redeem(ctx, hash, s.now().UTC())
	if err != nil {
		return Redemption{}, err
	}
	if !ok {
		return Redemption{}, governance.ErrInvalidOrExpiredToken
	}

	newVal, _ := json.Marshal(map[string]any{"token_id": tok.ID, "type": tok.Type})
	if _, err := s.ledger.Append(ctx, audit.Event{
		ActorID:   tok.UserID,
		EventType: audit.EventTokenRedeemed,
		TargetID:  tok.ID,
		NewValue:  newVal,
		Severity:  audit.SeverityInfo,
	}); err != nil {
		return Redemption{}, err
	}
	obs.TokensRedeemed.Inc()
	red := Redemption{
		TokenID:   tok.ID,
		TokenHash: tok.TokenHash,
		UserID:    tok.UserID,
		Type:      tok.Type,
		Reason:    tok.Reason,
		Payload:   tok.Payload,
	}
	// The temporary password is minted at redemption, never at issuance,
	// so no plaintext credential is ever at rest.
	if tok.Type == TypeRetrieval {
		pw, hash, err := GenerateTemporaryPassword()
		if err != nil {
			return Redemption{}, err
		}
		red.TemporaryPassword = pw
		red.TemporaryPasswordHash = hash
	}
	return red, nil
}

func (s *Service) evictOverCap(ctx context.Context, userID string, typ Type, now time.Time) error {
	live, err := s.store.Live(ctx, userID, typ, now)
	if err != nil {
		return err
	}
	if len(live) < maxLivePerType {
		return nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	for i := 0; i <= len(live)-maxLivePerType; i++ {
		if err := s.store.Expire(ctx, live[i].ID, now); err != nil {
			return err
		}
	}
	return nil
}

// HashToken computes the storage hash of a plaintext token. Tokens are
// high-entropy random values, so an unsalted one-way hash suffices.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
