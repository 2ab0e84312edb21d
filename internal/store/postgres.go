package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cmsworkflow/internal/rbac"
	"cmsworkflow/internal/util"
	"cmsworkflow/internal/workflow"
)

// PostgresStore persists the member directory, pages and workflow requests.
// It implements the workflow package's Repository, PermissionChecker,
// GroupMembership, MemberDirectory and ReportSource ports.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertMember(ctx context.Context, member workflow.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, email, first_name, surname)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, first_name = EXCLUDED.first_name, surname = EXCLUDED.surname
	`, member.ID, member.Email, member.FirstName, member.Surname)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) Member(ctx context.Context, memberID string) (workflow.Member, error) {
	member, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, surname FROM members WHERE id=$1`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Member{}, fmt.Errorf("%w: %s", workflow.ErrMemberNotFound, memberID)
	}
	if err != nil {
		return workflow.Member{}, fmt.Errorf("read member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) Members(ctx context.Context, memberIDs []string) ([]workflow.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, first_name, surname FROM members
		WHERE id = ANY($1)
		ORDER BY id
	`, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

// EnsureGroup creates the group identified by code when it does not exist.
func (s *PostgresStore) EnsureGroup(ctx context.Context, code, title string, sortOrder int) (workflow.Group, error) {
	var group workflow.Group
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO member_groups (id, code, title, sort_order)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id, code, title
	`, util.NewID("grp"), code, title, sortOrder).Scan(&group.ID, &group.Code, &group.Title)
	if err != nil {
		return workflow.Group{}, fmt.Errorf("ensure group %s: %w", code, err)
	}
	return group, nil
}

func (s *PostgresStore) GroupByCode(ctx context.Context, code string) (workflow.Group, error) {
	var group workflow.Group
	err := s.db.QueryRowContext(ctx, `SELECT id, code, title FROM member_groups WHERE code=$1`, code).
		Scan(&group.ID, &group.Code, &group.Title)
	if err != nil {
		return workflow.Group{}, err
	}
	return group, nil
}

func (s *PostgresStore) GrantPermission(ctx context.Context, groupID string, code rbac.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_permissions (group_id, code) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, string(code))
	if err != nil {
		return fmt.Errorf("grant %s: %w", code, err)
	}
	return nil
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, member_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, memberID)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *PostgresStore) Check(ctx context.Context, memberID string, key rbac.Permission) (bool, error) {
	var granted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_members gm
			JOIN group_permissions gp ON gp.group_id = gm.group_id
			WHERE gm.member_id = $1 AND gp.code IN ($2, $3)
		)
	`, memberID, string(key), string(rbac.PermissionAdmin)).Scan(&granted)
	if err != nil {
		return false, fmt.Errorf("check permission %s: %w", key, err)
	}
	return granted, nil
}

func (s *PostgresStore) GroupsWithPermission(ctx context.Context, key rbac.Permission) ([]workflow.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.code, g.title
		FROM member_groups g
		JOIN group_permissions gp ON gp.group_id = g.id
		WHERE gp.code = $1
		ORDER BY g.sort_order, g.created_at, g.id
	`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query groups with %s: %w", key, err)
	}
	defer rows.Close()

	groups := make([]workflow.Group, 0)
	for rows.Next() {
		var group workflow.Group
		if err := rows.Scan(&group.ID, &group.Code, &group.Title); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) MembersOf(ctx context.Context, groupIDs []string) ([]workflow.Member, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.email, m.first_name, m.surname
		FROM members m
		JOIN group_members gm ON gm.member_id = m.id
		WHERE gm.group_id = ANY($1)
		ORDER BY m.id
	`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

func (s *PostgresStore) IsMemberOf(ctx context.Context, memberID string, groupIDs []string) (bool, error) {
	if len(groupIDs) == 0 {
		return false, nil
	}
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM group_members WHERE member_id = $1 AND group_id = ANY($2))
	`, memberID, groupIDs).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return member, nil
}

// SavePage upserts the page row and replaces its publisher and editor groups
// and its outgoing links.
func (s *PostgresStore) SavePage(ctx context.Context, page workflow.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin page tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID any
	if page.ParentID != "" {
		parentID = page.ParentID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pages (id, parent_id, title, url_segment, can_publish_type, can_edit_type, is_live, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			title = EXCLUDED.title,
			url_segment = EXCLUDED.url_segment,
			can_publish_type = EXCLUDED.can_publish_type,
			can_edit_type = EXCLUDED.can_edit_type,
			is_live = EXCLUDED.is_live,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, page.ID, parentID, page.Title, page.URLSegment,
		string(page.Policy.CanPublishType), string(page.Policy.CanEditType),
		page.IsLive, nullTime(page.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}

	if err := replacePageGroups(ctx, tx, "page_publisher_groups", page.ID, page.Policy.PublisherGroupIDs); err != nil {
		return err
	}
	if err := replacePageGroups(ctx, tx, "page_editor_groups", page.ID, page.Policy.EditorGroupIDs); err != nil {
		return err
	}
	if err := replacePageLinks(ctx, tx, page.ID, page.LinkedPageIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit page tx: %w", err)
	}
	return nil
}

func replacePageGroups(ctx context.Context, tx *sql.Tx, table, pageID string, groupIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE page_id=$1`, pageID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if len(groupIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (page_id, group_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, pageID, groupIDs)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// replacePageLinks skips self links and targets that do not exist yet.
func replacePageLinks(ctx context.Context, tx *sql.Tx, pageID string, targetIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM page_links WHERE source_page_id=$1`, pageID); err != nil {
		return fmt.Errorf("clear page links: %w", err)
	}
	if len(targetIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO page_links (source_page_id, target_page_id)
		SELECT $1, p.id FROM pages p
		WHERE p.id = ANY($2::text[]) AND p.id <> $1
		ON CONFLICT DO NOTHING
	`, pageID, targetIDs)
	if err != nil {
		return fmt.Errorf("insert page links: %w", err)
	}
	return nil
}

func (s *PostgresStore) Page(ctx context.Context, pageID string) (workflow.Page, error) {
	var (
		page      workflow.Page
		parentID  sql.NullString
		publish   string
		edit      string
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, title, url_segment, can_publish_type, can_edit_type, is_live, expires_at, created_at, updated_at
		FROM pages WHERE id=$1
	`, pageID).Scan(&page.ID, &parentID, &page.Title, &page.URLSegment, &publish, &edit,
		&page.IsLive, &expiresAt, &page.CreatedAt, &page.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Page{}, fmt.Errorf("%w: %s", workflow.ErrPageNotFound, pageID)
	}
	if err != nil {
		return workflow.Page{}, fmt.Errorf("read page: %w", err)
	}
	page.ParentID = parentID.String
	page.Policy.CanPublishType = rbac.Normalize(publish)
	page.Policy.CanEditType = rbac.Normalize(edit)
	if expiresAt.Valid {
		expiry := expiresAt.Time
		page.ExpiresAt = &expiry
	}

	if page.Policy.PublisherGroupIDs, err = s.pageGroups(ctx, "page_publisher_groups", pageID); err != nil {
		return workflow.Page{}, err
	}
	if page.Policy.EditorGroupIDs, err = s.pageGroups(ctx, "page_editor_groups", pageID); err != nil {
		return workflow.Page{}, err
	}
	if page.LinkedPageIDs, err = s.pageLinks(ctx, pageID); err != nil {
		return workflow.Page{}, err
	}
	return page, nil
}

func (s *PostgresStore) pageLinks(ctx context.Context, pageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_page_id FROM page_links WHERE source_page_id=$1 ORDER BY target_page_id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("query page links: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page link: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) pageGroups(ctx context.Context, table, pageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM `+table+` WHERE page_id=$1 ORDER BY group_id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetPageLive(ctx context.Context, pageID string, live bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE pages SET is_live=$2, updated_at=$3 WHERE id=$1`, pageID, live, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set page live: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrPageNotFound, pageID)
	}
	return nil
}

func collectMembers(rows *sql.Rows) ([]workflow.Member, error) {
	members := make([]workflow.Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}
