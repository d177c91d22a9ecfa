package dbstore

import (
	"context"
	"fmt"

	"tradecore/pkg/types"
)

// InsertRejection records a rejection for audit and user-visible history.
// Runs outside the retry combinator: a rejection insert is a single statement
// with no row locks.
func (s *Store) InsertRejection(ctx context.Context, r *types.RejectionRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO order_rejections
			(canonical_order_id, rejection_type, reason, symbol,
			 user_type, user_id, released_margin, created_at)
		VALUES
			(:canonical_order_id, :rejection_type, :reason, :symbol,
			 :user_type, :user_id, :released_margin, :created_at)`, r)
	if err != nil {
		return fmt.Errorf("insert rejection %s: %w", r.CanonicalOrderID, err)
	}
	return nil
}
