package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const itemColumns = `id, pinboard_id, user_email, created_at, type, COALESCE(message, ''), COALESCE(payload::text, ''),
	array_to_json(mentions)::text, array_to_json(group_mentions)::text, claimable, COALESCE(claimed_by_email, ''),
	related_item_id, deleted_at, edit_history::text, is_starred, is_email_evaluated`

func scanItem(row rowScanner) (Item, error) {
	var (
		item          Item
		payload       string
		mentions      string
		groupMentions string
		editHistory   string
		relatedItemID sql.NullInt64
		deletedAt     sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.PinboardID,
		&item.UserEmail,
		&item.Timestamp,
		&item.Type,
		&item.Message,
		&payload,
		&mentions,
		&groupMentions,
		&item.Claimable,
		&item.ClaimedByEmail,
		&relatedItemID,
		&deletedAt,
		&editHistory,
		&item.IsStarred,
		&item.IsEmailEvaluated,
	); err != nil {
		return Item{}, err
	}

	if payload != "" {
		item.Payload = json.RawMessage(payload)
	}
	var err error
	if item.Mentions, err = decodeTextArray(mentions); err != nil {
		return Item{}, err
	}
	if item.GroupMentions, err = decodeTextArray(groupMentions); err != nil {
		return Item{}, err
	}
	if relatedItemID.Valid {
		id := relatedItemID.Int64
		item.RelatedItemID = &id
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		item.DeletedAt = &at
	}
	if editHistory != "" && editHistory != "[]" {
		if err := json.Unmarshal([]byte(editHistory), &item.EditHistory); err != nil {
			return Item{}, fmt.Errorf("decode edit history: %w", err)
		}
	}
	return item, nil
}

func scanItems(rows *sql.Rows, what string) ([]Item, error) {
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func insertItem(ctx context.Context, q queryRower, item Item) (Item, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO items (pinboard_id, user_email, type, message, payload, mentions, group_mentions, claimable, related_item_id, is_email_evaluated)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6::text[], $7::text[], $8, $9, $10)
		RETURNING `+itemColumns,
		item.PinboardID,
		item.UserEmail,
		item.Type,
		item.Message,
		nullableJSON(item.Payload),
		nonNilStrings(item.Mentions),
		nonNilStrings(item.GroupMentions),
		item.Claimable,
		item.RelatedItemID,
		item.IsEmailEvaluated,
	)
	return scanItem(row)
}

// InsertItem stores a new item; the database assigns id and timestamp.
func (s *PostgresStore) InsertItem(ctx context.Context, item Item) (Item, error) {
	inserted, err := insertItem(ctx, s.db, item)
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID int64) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, pinboardID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE pinboard_id=$1 AND deleted_at IS NULL
		ORDER BY id ASC
	`, pinboardID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return scanItems(rows, "item")
}

// ListItemsForArchive includes soft-deleted rows.
func (s *PostgresStore) ListItemsForArchive(ctx context.Context, pinboardID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE pinboard_id=$1
		ORDER BY id ASC
	`, pinboardID)
	if err != nil {
		return nil, fmt.Errorf("list archive items: %w", err)
	}
	return scanItems(rows, "archive item")
}

// EditItem appends the previous message and payload to edit_history before
// overwriting them. Only the author's live items match.
func (s *PostgresStore) EditItem(ctx context.Context, itemID int64, author, message string, payload json.RawMessage) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE items
		SET edit_history = edit_history || jsonb_build_array(jsonb_strip_nulls(jsonb_build_object(
				'message', message,
				'payload', payload,
				'editedAt', NOW()
			))),
			message = NULLIF($3, ''),
			payload = $4::jsonb
		WHERE id=$1 AND user_email=$2 AND deleted_at IS NULL
		RETURNING `+itemColumns,
		itemID, author, message, nullableJSON(payload),
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("edit item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SoftDeleteItem(ctx context.Context, itemID int64, author string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE items
		SET deleted_at=NOW()
		WHERE id=$1 AND user_email=$2 AND deleted_at IS NULL
		RETURNING `+itemColumns,
		itemID, author,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("delete item: %w", err)
	}
	return item, nil
}

// ClaimItem sets claimed_by_email on an open claimable item and inserts the
// companion claim item in the same transaction. The conditional update is the
// only arbiter between concurrent claimants: zero rows means someone else won.
func (s *PostgresStore) ClaimItem(ctx context.Context, itemID int64, claimant string, companion Item) (Item, Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, Item{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE items
		SET claimed_by_email=$2
		WHERE id=$1 AND claimable AND claimed_by_email IS NULL AND deleted_at IS NULL
		RETURNING `+itemColumns,
		itemID, claimant,
	)
	request, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		var claimable bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM items WHERE id=$1 AND claimable AND deleted_at IS NULL)
		`, itemID).Scan(&claimable); err != nil {
			return Item{}, Item{}, fmt.Errorf("check claimable item: %w", err)
		}
		if !claimable {
			return Item{}, Item{}, ErrNotFound
		}
		return Item{}, Item{}, ErrAlreadyClaimed
	}
	if err != nil {
		return Item{}, Item{}, fmt.Errorf("claim item: %w", err)
	}

	companion.PinboardID = request.PinboardID
	companion.UserEmail = claimant
	companion.RelatedItemID = &request.ID
	companion.GroupMentions = make([]string, 0, len(request.GroupMentions))
	for _, shorthand := range request.GroupMentions {
		companion.GroupMentions = append(companion.GroupMentions, strings.TrimPrefix(shorthand, "@"))
	}
	// Members are told about the claim through the instant group email, not the digest.
	companion.IsEmailEvaluated = true

	claim, err := insertItem(ctx, tx, companion)
	if err != nil {
		if isUniqueViolation(err) {
			return Item{}, Item{}, ErrAlreadyClaimed
		}
		return Item{}, Item{}, fmt.Errorf("insert claim item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Item{}, Item{}, fmt.Errorf("commit claim: %w", err)
	}
	return request, claim, nil
}

// ItemCounts reports totals and unread counts per pinboard for one user.
// Pinboards without items are absent from the result.
func (s *PostgresStore) ItemCounts(ctx context.Context, userEmail string, pinboardIDs []string) ([]ItemCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.pinboard_id,
			COUNT(*) AS total_count,
			COUNT(*) FILTER (WHERE i.id > COALESCE(s.item_id, 0) AND i.user_email <> $2) AS unread_count,
			MAX(i.id) AS latest_item_id
		FROM items i
		LEFT JOIN last_item_seen_by_user s ON s.pinboard_id = i.pinboard_id AND s.user_email = $2
		WHERE i.pinboard_id = ANY($1::text[]) AND i.deleted_at IS NULL
		GROUP BY i.pinboard_id
		ORDER BY i.pinboard_id
	`, nonNilStrings(pinboardIDs), userEmail)
	if err != nil {
		return nil, fmt.Errorf("item counts: %w", err)
	}
	defer rows.Close()

	counts := make([]ItemCount, 0)
	for rows.Next() {
		var count ItemCount
		if err := rows.Scan(&count.PinboardID, &count.TotalCount, &count.UnreadCount, &count.LatestItemID); err != nil {
			return nil, fmt.Errorf("scan item count: %w", err)
		}
		counts = append(counts, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item counts: %w", err)
	}
	return counts, nil
}

// GroupPinboardIDs lists pinboards where any of the given groups was mentioned.
func (s *PostgresStore) GroupPinboardIDs(ctx context.Context, shorthands []string) ([]GroupPinboard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pinboard_id, MAX(id)
		FROM items
		WHERE group_mentions && $1::text[] AND deleted_at IS NULL
		GROUP BY pinboard_id
		ORDER BY MAX(id) DESC
	`, nonNilStrings(shorthands))
	if err != nil {
		return nil, fmt.Errorf("group pinboard ids: %w", err)
	}
	defer rows.Close()

	pinboards := make([]GroupPinboard, 0)
	for rows.Next() {
		var pinboard GroupPinboard
		if err := rows.Scan(&pinboard.PinboardID, &pinboard.LatestGroupMentionItemID); err != nil {
			return nil, fmt.Errorf("scan group pinboard: %w", err)
		}
		pinboards = append(pinboards, pinboard)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group pinboards: %w", err)
	}
	return pinboards, nil
}

// ListUnreadMentionItems returns the newest live items mentioning the user
// directly or through one of the given groups that sit past the user's seen
// record on their pinboard.
func (s *PostgresStore) ListUnreadMentionItems(ctx context.Context, userEmail string, shorthands []string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE deleted_at IS NULL
			AND user_email <> $1
			AND ($1 = ANY(mentions) OR group_mentions && $2::text[])
			AND NOT EXISTS (
				SELECT 1 FROM last_item_seen_by_user seen
				WHERE seen.pinboard_id = items.pinboard_id
					AND seen.user_email = $1
					AND seen.item_id >= items.id
			)
		ORDER BY id DESC
		LIMIT $3
	`, userEmail, nonNilStrings(shorthands), limit)
	if err != nil {
		return nil, fmt.Errorf("list unread mention items: %w", err)
	}
	return scanItems(rows, "mention item")
}

// ListEmailCandidates pages through items with direct mentions that the email
// sweep has not evaluated yet and that are older than the cutoff. Pages are
// keyed on id so callers can collect every page before marking any of them.
func (s *PostgresStore) ListEmailCandidates(ctx context.Context, olderThan time.Time, afterID int64, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE is_email_evaluated = FALSE
			AND deleted_at IS NULL
			AND cardinality(mentions) > 0
			AND created_at < $1
			AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, olderThan, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list email candidates: %w", err)
	}
	return scanItems(rows, "email candidate")
}

// MarkEmailEvaluated flips is_email_evaluated for rows that are still false,
// so each item transitions at most once.
func (s *PostgresStore) MarkEmailEvaluated(ctx context.Context, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET is_email_evaluated = TRUE
		WHERE id = ANY($1::bigint[]) AND is_email_evaluated = FALSE
	`, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("mark email evaluated: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark email evaluated rows: %w", err)
	}
	return affected, nil
}
