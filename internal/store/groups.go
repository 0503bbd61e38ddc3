package store

import (
	"context"
	"database/sql"
	"fmt"
)

func scanGroups(rows *sql.Rows) ([]Group, error) {
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		var (
			group       Group
			otherEmails string
		)
		if err := rows.Scan(&group.Shorthand, &group.GoogleID, &group.Name, &group.PrimaryEmail, &otherEmails); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		emails, err := decodeTextArray(otherEmails)
		if err != nil {
			return nil, err
		}
		group.OtherEmails = emails
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, shorthands []string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shorthand, google_id, name, primary_email, array_to_json(other_emails)::text
		FROM groups
		WHERE shorthand = ANY($1::text[])
		ORDER BY shorthand
	`, nonNilStrings(shorthands))
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return scanGroups(rows)
}

// GroupsForUser lists the groups the user belongs to through their google id.
func (s *PostgresStore) GroupsForUser(ctx context.Context, email string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.shorthand, g.google_id, g.name, g.primary_email, array_to_json(g.other_emails)::text
		FROM group_members gm
		JOIN groups g ON g.shorthand = gm.group_shorthand
		JOIN users u ON u.google_id = gm.user_google_id
		WHERE u.email = $1
		ORDER BY g.shorthand
	`, email)
	if err != nil {
		return nil, fmt.Errorf("groups for user: %w", err)
	}
	return scanGroups(rows)
}

// GroupMemberEmails maps each group shorthand to its members' emails.
func (s *PostgresStore) GroupMemberEmails(ctx context.Context, shorthands []string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_shorthand, u.email
		FROM group_members gm
		JOIN users u ON u.google_id = gm.user_google_id
		WHERE gm.group_shorthand = ANY($1::text[])
		ORDER BY gm.group_shorthand, u.email
	`, nonNilStrings(shorthands))
	if err != nil {
		return nil, fmt.Errorf("group member emails: %w", err)
	}
	defer rows.Close()

	members := make(map[string][]string)
	for rows.Next() {
		var shorthand, email string
		if err := rows.Scan(&shorthand, &email); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members[shorthand] = append(members[shorthand], email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return members, nil
}

// ReplaceGroups swaps in a complete new set of groups and memberships.
// Shadow tables are built and renamed over the live ones inside a single
// transaction, so readers see either the old set or the new one in full.
func (s *PostgresStore) ReplaceGroups(ctx context.Context, groups []Group, members []GroupMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group swap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS group_members_next`,
		`DROP TABLE IF EXISTS groups_next`,
		`CREATE TABLE groups_next (
			shorthand TEXT NOT NULL,
			google_id TEXT NOT NULL,
			name TEXT NOT NULL,
			primary_email TEXT NOT NULL,
			other_emails TEXT[] NOT NULL DEFAULT '{}',
			CONSTRAINT groups_next_pkey PRIMARY KEY (shorthand),
			CONSTRAINT groups_next_google_id_key UNIQUE (google_id)
		)`,
		`CREATE TABLE group_members_next (
			group_shorthand TEXT NOT NULL,
			user_google_id TEXT NOT NULL,
			CONSTRAINT group_members_next_pkey PRIMARY KEY (group_shorthand, user_google_id),
			CONSTRAINT group_members_next_group_fkey FOREIGN KEY (group_shorthand) REFERENCES groups_next (shorthand) ON DELETE CASCADE
		)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("prepare shadow group tables: %w", err)
		}
	}

	for _, group := range groups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO groups_next (shorthand, google_id, name, primary_email, other_emails)
			VALUES ($1, $2, $3, $4, $5::text[])
		`, group.Shorthand, group.GoogleID, group.Name, group.PrimaryEmail, nonNilStrings(group.OtherEmails)); err != nil {
			return fmt.Errorf("insert shadow group %s: %w", group.Shorthand, err)
		}
	}
	for _, member := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members_next (group_shorthand, user_google_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, member.GroupShorthand, member.UserGoogleID); err != nil {
			return fmt.Errorf("insert shadow group member %s/%s: %w", member.GroupShorthand, member.UserGoogleID, err)
		}
	}

	for _, stmt := range []string{
		`DROP TABLE group_members`,
		`DROP TABLE groups`,
		`ALTER TABLE groups_next RENAME TO groups`,
		`ALTER TABLE group_members_next RENAME TO group_members`,
		`ALTER TABLE groups RENAME CONSTRAINT groups_next_pkey TO groups_pkey`,
		`ALTER TABLE groups RENAME CONSTRAINT groups_next_google_id_key TO groups_google_id_key`,
		`ALTER TABLE group_members RENAME CONSTRAINT group_members_next_pkey TO group_members_pkey`,
		`ALTER TABLE group_members RENAME CONSTRAINT group_members_next_group_fkey TO group_members_group_fkey`,
		`CREATE INDEX group_members_user_idx ON group_members (user_google_id)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("swap group tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group swap: %w", err)
	}
	return nil
}
