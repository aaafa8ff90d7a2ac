package auth

import (
	"context"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("PATHFINDER_AUTH_SECRET", value)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := GenerateToken("user-42", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "pathfinder" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestParseRejectsGarbageAndWrongSecret(t *testing.T) {
	withSecret(t, "unit-test-secret")

	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("empty token: %v", err)
	}
	if _, err := ParseAndValidate("not-a-jwt"); err != ErrInvalidToken {
		t.Fatalf("garbage token: %v", err)
	}

	token, err := GenerateToken("user-42", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	withSecret(t, "a-different-secret")
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("wrong secret: %v", err)
	}
}

func TestGenerateValidation(t *testing.T) {
	withSecret(t, "unit-test-secret")

	if _, err := GenerateToken("", time.Minute); err == nil {
		t.Fatal("empty user id accepted")
	}
	if _, err := GenerateToken("user-42", 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserIDFromContext(ctx); ok {
		t.Fatal("user id found in empty context")
	}
	ctx = ContextWithUser(ctx, " user-7 ")
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %q ok=%v", id, ok)
	}
}
