package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const userColumns = `email, first_name, last_name, COALESCE(avatar_url, ''), COALESCE(google_id, ''), is_mentionable,
	array_to_json(manually_opened_pinboard_ids)::text, COALESCE(web_push_subscription::text, ''),
	array_to_json(visited_tour_steps)::text, feature_flags::text`

func scanUser(row rowScanner) (User, error) {
	var (
		user         User
		opened       string
		subscription string
		tourSteps    string
		featureFlags string
	)
	if err := row.Scan(
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.AvatarURL,
		&user.GoogleID,
		&user.IsMentionable,
		&opened,
		&subscription,
		&tourSteps,
		&featureFlags,
	); err != nil {
		return User{}, err
	}

	var err error
	if user.ManuallyOpenedPinboardIDs, err = decodeTextArray(opened); err != nil {
		return User{}, err
	}
	if user.VisitedTourSteps, err = decodeTextArray(tourSteps); err != nil {
		return User{}, err
	}
	if subscription != "" {
		var sub WebPushSubscription
		if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
			return User{}, fmt.Errorf("decode web push subscription: %w", err)
		}
		user.WebPushSubscription = &sub
	}
	user.FeatureFlags = make(map[string]bool)
	if featureFlags != "" {
		if err := json.Unmarshal([]byte(featureFlags), &user.FeatureFlags); err != nil {
			return User{}, fmt.Errorf("decode feature flags: %w", err)
		}
	}
	return user, nil
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	user, err := scanUser(row)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUsers returns every known user among the emails, mentionable or not.
func (s *PostgresStore) GetUsers(ctx context.Context, emails []string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = ANY($1::text[])
		ORDER BY email
	`, nonNilStrings(emails))
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return scanUsers(rows)
}

func (s *PostgresStore) ListMentionableUsers(ctx context.Context, emails []string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = ANY($1::text[]) AND is_mentionable AND google_id IS NOT NULL
	`, nonNilStrings(emails))
	if err != nil {
		return nil, fmt.Errorf("list mentionable users: %w", err)
	}
	return scanUsers(rows)
}

func (s *PostgresStore) ListAllMentionableUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE is_mentionable AND google_id IS NOT NULL
		ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("list all mentionable users: %w", err)
	}
	return scanUsers(rows)
}

// SearchMentionableUsers matches a prefix against first name, last name,
// full name and email.
func (s *PostgresStore) SearchMentionableUsers(ctx context.Context, prefix string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE is_mentionable AND google_id IS NOT NULL
			AND (
				first_name ILIKE $1
				OR last_name ILIKE $1
				OR (first_name || ' ' || last_name) ILIKE $1
				OR email ILIKE $1
			)
		ORDER BY LOWER(first_name), LOWER(last_name), email
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search mentionable users: %w", err)
	}
	return scanUsers(rows)
}

// UpsertDirectoryUsers writes the directory's view of users. Users absent
// from the batch lose their directory presence and mentionability but keep
// their row, since historical items still reference them. Stale google ids
// are released before the upserts so a renamed account can take its id over.
func (s *PostgresStore) UpsertDirectoryUsers(ctx context.Context, users []DirectoryUser) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin directory users tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	emails := make([]string, 0, len(users))
	googleIDs := make([]string, 0, len(users))
	for _, user := range users {
		emails = append(emails, user.Email)
		googleIDs = append(googleIDs, user.GoogleID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users u
		SET is_mentionable=FALSE, google_id=NULL, updated_at=NOW()
		WHERE u.google_id IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM unnest($1::text[], $2::text[]) AS d(email, google_id)
				WHERE d.email = u.email AND d.google_id = u.google_id
			)
	`, emails, googleIDs); err != nil {
		return fmt.Errorf("retire directory users: %w", err)
	}

	for _, user := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (email, first_name, last_name, avatar_url, google_id, is_mentionable)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
			ON CONFLICT (email) DO UPDATE
			SET first_name=EXCLUDED.first_name,
				last_name=EXCLUDED.last_name,
				avatar_url=EXCLUDED.avatar_url,
				google_id=EXCLUDED.google_id,
				is_mentionable=EXCLUDED.is_mentionable,
				updated_at=NOW()
		`, user.Email, user.FirstName, user.LastName, user.AvatarURL, user.GoogleID, user.IsMentionable && user.GoogleID != ""); err != nil {
			return fmt.Errorf("upsert directory user %s: %w", user.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit directory users: %w", err)
	}
	return nil
}

// SetWebPushSubscription replaces the user's subscription; nil clears it.
func (s *PostgresStore) SetWebPushSubscription(ctx context.Context, email string, subscription *WebPushSubscription) (User, error) {
	var encoded any
	if subscription != nil {
		raw, err := json.Marshal(subscription)
		if err != nil {
			return User{}, fmt.Errorf("encode web push subscription: %w", err)
		}
		encoded = string(raw)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET web_push_subscription=$2::jsonb, updated_at=NOW()
		WHERE email=$1
		RETURNING `+userColumns,
		email, encoded,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("set web push subscription: %w", err)
	}
	return user, nil
}

// MarkWebPushSubscriptionExpired flags the subscription only if it still
// points at endpoint, so a freshly registered subscription is left alone.
func (s *PostgresStore) MarkWebPushSubscriptionExpired(ctx context.Context, email, endpoint string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET web_push_subscription = jsonb_set(web_push_subscription, '{isExpired}', 'true'::jsonb), updated_at=NOW()
		WHERE email=$1 AND web_push_subscription->>'endpoint' = $2
	`, email, endpoint)
	if err != nil {
		return false, fmt.Errorf("mark web push subscription expired: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark web push subscription expired rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListWebPushSubscriptions(ctx context.Context, emails []string) ([]UserSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, web_push_subscription::text
		FROM users
		WHERE email = ANY($1::text[])
			AND web_push_subscription IS NOT NULL
			AND COALESCE((web_push_subscription->>'isExpired')::boolean, FALSE) = FALSE
	`, nonNilStrings(emails))
	if err != nil {
		return nil, fmt.Errorf("list web push subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (s *PostgresStore) ListLiveWebPushSubscriptions(ctx context.Context) ([]UserSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, web_push_subscription::text
		FROM users
		WHERE web_push_subscription IS NOT NULL
			AND COALESCE((web_push_subscription->>'isExpired')::boolean, FALSE) = FALSE
		ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("list live web push subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]UserSubscription, error) {
	defer rows.Close()

	subs := make([]UserSubscription, 0)
	for rows.Next() {
		var (
			sub UserSubscription
			raw string
		)
		if err := rows.Scan(&sub.Email, &raw); err != nil {
			return nil, fmt.Errorf("scan web push subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &sub.Subscription); err != nil {
			return nil, fmt.Errorf("decode web push subscription for %s: %w", sub.Email, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate web push subscriptions: %w", err)
	}
	return subs, nil
}

// AddManuallyOpenedPinboardIDs appends ids to the user's ordered set, moving
// repeats to the end and keeping at most maxLen of the most recent.
func (s *PostgresStore) AddManuallyOpenedPinboardIDs(ctx context.Context, email string, pinboardIDs []string, maxLen int) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin opened pinboards tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT array_to_json(manually_opened_pinboard_ids)::text
		FROM users
		WHERE email=$1
		FOR UPDATE
	`, email).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("lock opened pinboards: %w", err)
	}
	existing, err := decodeTextArray(raw)
	if err != nil {
		return User{}, err
	}

	merged := MergeOpenedPinboards(existing, pinboardIDs, maxLen)
	row := tx.QueryRowContext(ctx, `
		UPDATE users
		SET manually_opened_pinboard_ids=$2::text[], updated_at=NOW()
		WHERE email=$1
		RETURNING `+userColumns,
		email, merged,
	)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("update opened pinboards: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit opened pinboards: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RemoveManuallyOpenedPinboardID(ctx context.Context, email, pinboardID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET manually_opened_pinboard_ids = array_remove(manually_opened_pinboard_ids, $2), updated_at=NOW()
		WHERE email=$1
		RETURNING `+userColumns,
		email, pinboardID,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("remove opened pinboard: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) VisitTourStep(ctx context.Context, email, step string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET visited_tour_steps = CASE
				WHEN $2 = ANY(visited_tour_steps) THEN visited_tour_steps
				ELSE array_append(visited_tour_steps, $2)
			END,
			updated_at=NOW()
		WHERE email=$1
		RETURNING `+userColumns,
		email, step,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("visit tour step: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ChangeFeatureFlag(ctx context.Context, email, flag string, enabled bool) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET feature_flags = feature_flags || jsonb_build_object($2::text, $3::boolean), updated_at=NOW()
		WHERE email=$1
		RETURNING `+userColumns,
		email, flag, enabled,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("change feature flag: %w", err)
	}
	return user, nil
}

// MergeOpenedPinboards appends additions in order, dropping earlier copies of
// repeated ids and trimming from the front to maxLen.
func MergeOpenedPinboards(existing, additions []string, maxLen int) []string {
	adding := make(map[string]struct{}, len(additions))
	for _, id := range additions {
		if id != "" {
			adding[id] = struct{}{}
		}
	}
	merged := make([]string, 0, len(existing)+len(additions))
	for _, id := range existing {
		if _, ok := adding[id]; ok {
			continue
		}
		merged = append(merged, id)
	}
	seen := make(map[string]struct{}, len(additions))
	for _, id := range additions {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	if maxLen > 0 && len(merged) > maxLen {
		merged = merged[len(merged)-maxLen:]
	}
	return merged
}
