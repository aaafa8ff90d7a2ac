package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
)

// TokenStore is the durable credtoken.Store. Redemption is a single
// conditional update guarded on used_at, so concurrent redeemers of the
// same token resolve to exactly one winner at the database.
type TokenStore struct {
	store *Store
}

var _ credtoken.Store = (*TokenStore)(nil)

// NewTokenStore binds the token store to a store.
func NewTokenStore(store *Store) *TokenStore { return &TokenStore{store: store} }

func (s *TokenStore) Insert(ctx context.Context, t credtoken.Token) error {
	_, err := s.store.db.ExecContext(ctx, `
		insert into credential_tokens (id, token_hash, user_id, token_type, reason, payload, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.TokenHash, t.UserID, string(t.Type), t.Reason, t.Payload, t.CreatedAt, t.ExpiresAt)
	return err
}

func (s *TokenStore) Redeem(ctx context.Context, tokenHash string, now time.Time) (credtoken.Token, bool, error) {
	var (
		t       credtoken.Token
		typ     string
		reason  sql.NullString
		payload sql.NullString
	)
	err := s.store.db.QueryRowContext(ctx, `
		update credential_tokens
		set used_at = $2
		where token_hash = $1 and used_at is null and expires_at > $2
		returning id, token_hash, user_id, token_type, reason, payload, created_at, expires_at
	`, tokenHash, now).Scan(&t.ID, &t.TokenHash, &t.UserID, &typ, &reason, &payload, &t.CreatedAt, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return credtoken.Token{}, false, nil
	}
	if err != nil {
		return credtoken.Token{}, false, err
	}
	t.Type = credtoken.Type(typ)
	if reason.Valid {
		t.Reason = reason.String
	}
	if payload.Valid {
		t.Payload = payload.String
	}
	used := now
	t.UsedAt = &used
	return t, true, nil
}

func (s *TokenStore) Live(ctx context.Context, userID string, typ credtoken.Type, now time.Time) ([]credtoken.Token, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		select id, token_hash, user_id, token_type, reason, payload, created_at, expires_at
		from credential_tokens
		where user_id = $1 and token_type = $2 and used_at is null and expires_at > $3
		order by created_at asc
	`, userID, string(typ), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []credtoken.Token
	for rows.Next() {
		var (
			t       credtoken.Token
			kind    string
			reason  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.TokenHash, &t.UserID, &kind, &reason, &payload, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		t.Type = credtoken.Type(kind)
		if reason.Valid {
			t.Reason = reason.String
		}
		if payload.Valid {
			t.Payload = payload.String
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *TokenStore) Expire(ctx context.Context, id string, now time.Time) error {
	_, err := s.store.db.ExecContext(ctx, `
		update credential_tokens set expires_at = $2
		where id = $1 and used_at is null
	`, id, now)
	return err
}
