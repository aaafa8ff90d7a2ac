package credtoken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
)

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	svc, err := NewService(NewMemoryStore(), audit.NewInMemory(), WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestIssueAndRedeemOnce(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	plaintext, tok, err := svc.Issue(ctx, IssueRequest{
		UserID:  "u1",
		Type:    TypeReset,
		Reason:  "forgot password",
		TTL:     time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if plaintext == "" || tok.TokenHash == HashToken("") {
		t.Fatal("expected a usable plaintext token")
	}
	if tok.TokenHash != HashToken(plaintext) {
		t.Fatal("stored hash does not match plaintext")
	}

	red, err := svc.Redeem(ctx, plaintext)
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if red.UserID != "u1" || red.Type != TypeReset {
		t.Fatalf("unexpected redemption: %+v", red)
	}

	_, err = svc.Redeem(ctx, plaintext)
	if !errors.Is(err, governance.ErrInvalidOrExpiredToken) {
		t.Fatalf("second redeem should fail like never-existed, got %v", err)
	}
}

func TestRedeemFailureIndistinguishable(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	// Absent.
	_, errAbsent := svc.Redeem(ctx, "no-such-token")

	// Expired: issued with 1h TTL, redeemed at +2h.
	plaintext, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeRetrieval, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	_, errExpired := svc.Redeem(ctx, plaintext)

	// Used.
	now = time.Now().UTC()
	plaintext2, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeRetrieval, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redeem(ctx, plaintext2); err != nil {
		t.Fatal(err)
	}
	_, errUsed := svc.Redeem(ctx, plaintext2)

	for name, err := range map[string]error{"absent": errAbsent, "expired": errExpired, "used": errUsed} {
		if !errors.Is(err, governance.ErrInvalidOrExpiredToken) {
			t.Fatalf("%s: got %v", name, err)
		}
		if err.Error() != governance.ErrInvalidOrExpiredToken.Error() {
			t.Fatalf("%s leaks cause detail: %q", name, err.Error())
		}
	}
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	plaintext, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeActivation, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	const racers = 20
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(ctx, plaintext)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, governance.ErrInvalidOrExpiredToken):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != racers-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}
}

func TestIssueLimitEvictsOldest(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	var plaintexts []string
	for i := 0; i < 4; i++ {
		plaintext, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeReset, TTL: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		plaintexts = append(plaintexts, plaintext)
		now = now.Add(time.Minute)
	}

	// The oldest token was evicted by the fourth issue.
	if _, err := svc.Redeem(ctx, plaintexts[0]); !errors.Is(err, governance.ErrInvalidOrExpiredToken) {
		t.Fatalf("evicted token still redeemable: %v", err)
	}
	if _, err := svc.Redeem(ctx, plaintexts[3]); err != nil {
		t.Fatalf("newest token should redeem: %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	cases := []IssueRequest{
		{UserID: "", Type: TypeReset, TTL: time.Hour},
		{UserID: "u1", Type: Type("bogus"), TTL: time.Hour},
		{UserID: "u1", Type: TypeReset, TTL: 0},
	}
	for i, req := range cases {
		if _, _, err := svc.Issue(ctx, req); !errors.Is(err, governance.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestRetrievalRedemptionMintsTemporaryPassword(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(t, &now)
	ctx := context.Background()

	plaintext, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeRetrieval, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	red, err := svc.Redeem(ctx, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(red.TemporaryPassword) != temporaryPasswordLength {
		t.Fatalf("unexpected password length %d", len(red.TemporaryPassword))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(red.TemporaryPasswordHash), []byte(red.TemporaryPassword)); err != nil {
		t.Fatalf("hash does not match password: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(red.TemporaryPasswordHash), []byte("wrong")); err == nil {
		t.Fatal("wrong password verified")
	}

	// Other token types carry no password.
	plaintext2, _, err := svc.Issue(ctx, IssueRequest{UserID: "u1", Type: TypeReset, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	red2, err := svc.Redeem(ctx, plaintext2)
	if err != nil {
		t.Fatal(err)
	}
	if red2.TemporaryPassword != "" || red2.TemporaryPasswordHash != "" {
		t.Fatalf("reset redemption carries a password: %+v", red2)
	}
}
