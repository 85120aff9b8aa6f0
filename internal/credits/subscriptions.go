package credits

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// SQLSubscriptions answers shared-repository access checks from the
// subscriptions table. Rows carry an optional expiry; expired rows do not
// grant access.
type SQLSubscriptions struct {
	db *sql.DB
}

// NewSQLSubscriptions creates a checker over the given database handle.
func NewSQLSubscriptions(db *sql.DB) *SQLSubscriptions {
	return &SQLSubscriptions{db: db}
}

// HasRepositoryAccess reports whether the user holds an active subscription
// for the shared repository. Lookup failures deny access; consumption against
// a shared pool must never proceed on an unverifiable subscription.
func (s *SQLSubscriptions) HasRepositoryAccess(ctx context.Context, userID, repository string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM repository_subscriptions
		WHERE user_id = $1 AND repository = $2 AND active
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		userID, repository,
	).Scan(&one)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("subscription lookup failed",
				"user_id", userID, "repository", repository, "error", err)
		}
		return false
	}
	return true
}
