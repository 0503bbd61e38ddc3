package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertLastItemSeen records that a user has seen a pinboard up to itemID.
// The stored id never moves backwards: an older id keeps the existing row.
// advanced reports whether this call set the row (new, equal or greater id).
func (s *PostgresStore) UpsertLastItemSeen(ctx context.Context, pinboardID, userEmail string, itemID int64) (LastItemSeen, bool, error) {
	var (
		seen     LastItemSeen
		advanced bool
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO last_item_seen_by_user AS existing (pinboard_id, user_email, item_id, seen_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (pinboard_id, user_email) DO UPDATE
		SET item_id = GREATEST(existing.item_id, EXCLUDED.item_id),
			seen_at = CASE
				WHEN EXCLUDED.item_id >= existing.item_id THEN EXCLUDED.seen_at
				ELSE existing.seen_at
			END
		RETURNING pinboard_id, user_email, item_id, seen_at, item_id = $3
	`, pinboardID, userEmail, itemID).Scan(&seen.PinboardID, &seen.UserEmail, &seen.ItemID, &seen.SeenAt, &advanced)
	if err != nil {
		return LastItemSeen{}, false, fmt.Errorf("upsert last item seen: %w", err)
	}
	return seen, advanced, nil
}

func (s *PostgresStore) GetLastItemSeen(ctx context.Context, pinboardID, userEmail string) (LastItemSeen, error) {
	var seen LastItemSeen
	err := s.db.QueryRowContext(ctx, `
		SELECT pinboard_id, user_email, item_id, seen_at
		FROM last_item_seen_by_user
		WHERE pinboard_id=$1 AND user_email=$2
	`, pinboardID, userEmail).Scan(&seen.PinboardID, &seen.UserEmail, &seen.ItemID, &seen.SeenAt)
	if err != nil {
		return LastItemSeen{}, err
	}
	return seen, nil
}

func (s *PostgresStore) ListLastItemSeenByUsers(ctx context.Context, pinboardID string) ([]LastItemSeen, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pinboard_id, user_email, item_id, seen_at
		FROM last_item_seen_by_user
		WHERE pinboard_id=$1
		ORDER BY item_id DESC, user_email ASC
	`, pinboardID)
	if err != nil {
		return nil, fmt.Errorf("list last item seen: %w", err)
	}
	return scanSeen(rows)
}

// ListLastItemSeenForPinboards returns every seen row across the pinboards.
func (s *PostgresStore) ListLastItemSeenForPinboards(ctx context.Context, pinboardIDs []string) ([]LastItemSeen, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pinboard_id, user_email, item_id, seen_at
		FROM last_item_seen_by_user
		WHERE pinboard_id = ANY($1::text[])
	`, nonNilStrings(pinboardIDs))
	if err != nil {
		return nil, fmt.Errorf("list last item seen for pinboards: %w", err)
	}
	return scanSeen(rows)
}

func scanSeen(rows *sql.Rows) ([]LastItemSeen, error) {
	defer rows.Close()

	records := make([]LastItemSeen, 0)
	for rows.Next() {
		var seen LastItemSeen
		if err := rows.Scan(&seen.PinboardID, &seen.UserEmail, &seen.ItemID, &seen.SeenAt); err != nil {
			return nil, fmt.Errorf("scan last item seen: %w", err)
		}
		records = append(records, seen)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last item seen: %w", err)
	}
	return records, nil
}
