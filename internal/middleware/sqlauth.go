package middleware

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// SQLTokenValidator resolves bearer tokens against the api_tokens table.
// Tokens are stored as SHA-256 hex digests; the raw token never touches the
// database.
type SQLTokenValidator struct {
	db *sql.DB
}

// NewSQLTokenValidator creates a validator over the given database handle.
func NewSQLTokenValidator(db *sql.DB) *SQLTokenValidator {
	return &SQLTokenValidator{db: db}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate looks up the token digest and returns the owning user with their
// tier and active shared-repository subscriptions.
func (v *SQLTokenValidator) Validate(ctx context.Context, token string) (*User, error) {
	var u User
	var subs pq.StringArray
	err := v.db.QueryRowContext(ctx, `
		SELECT u.id, u.tier,
		       COALESCE(ARRAY(
		           SELECT rs.repository FROM repository_subscriptions rs
		           WHERE rs.user_id = u.id AND rs.active
		             AND (rs.expires_at IS NULL OR rs.expires_at > NOW())
		       ), '{}')
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.revoked_at IS NULL
		  AND (t.expires_at IS NULL OR t.expires_at > NOW())`,
		hashToken(token),
	).Scan(&u.ID, &u.Tier, &subs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("unknown or expired token")
		}
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	u.Subscriptions = subs
	return &u, nil
}
