package store

import (
	"context"
	"database/sql"
	"fmt"

	"cmsworkflow/internal/workflow"
)

const requestReportColumns = `
	p.id, p.title, p.updated_at, r.id, r.kind, r.status, r.author_id,
	COALESCE(NULLIF(TRIM(m.first_name || ' ' || m.surname), ''), m.email), r.created_at
`

func (s *PostgresStore) RequestsByPublisher(ctx context.Context, kind workflow.RequestKind, publisherID string, statuses []workflow.RequestStatus) ([]workflow.RequestReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestReportColumns+`
		FROM workflow_requests r
		JOIN workflow_request_publishers rp ON rp.request_id = r.id
		JOIN pages p ON p.id = r.page_id
		JOIN members m ON m.id = r.author_id
		WHERE r.kind = $1 AND rp.member_id = $2 AND r.status = ANY($3)
		ORDER BY p.updated_at DESC, r.created_at DESC
	`, string(kind), publisherID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query publisher requests: %w", err)
	}
	defer rows.Close()
	return collectReportRows(rows)
}

func (s *PostgresStore) RequestsByAuthor(ctx context.Context, kind workflow.RequestKind, authorID string, statuses []workflow.RequestStatus) ([]workflow.RequestReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestReportColumns+`
		FROM workflow_requests r
		JOIN pages p ON p.id = r.page_id
		JOIN members m ON m.id = r.author_id
		WHERE r.kind = $1 AND r.author_id = $2 AND r.status = ANY($3)
		ORDER BY p.updated_at DESC, r.created_at DESC
	`, string(kind), authorID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query author requests: %w", err)
	}
	defer rows.Close()
	return collectReportRows(rows)
}

// LivePagesExpiring lists live pages whose expiry falls in window, flagging
// pages that other pages still link to.
func (s *PostgresStore) LivePagesExpiring(ctx context.Context, window workflow.DateRange) ([]workflow.ScheduledDeletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.url_segment, p.expires_at,
			EXISTS (
				SELECT 1 FROM page_links l
				WHERE l.target_page_id = p.id AND l.source_page_id <> p.id
			)
		FROM pages p
		WHERE p.is_live
			AND p.expires_at IS NOT NULL
			AND ($1::timestamptz IS NULL OR p.expires_at >= $1)
			AND ($2::timestamptz IS NULL OR p.expires_at <= $2)
		ORDER BY p.expires_at DESC, p.id
	`, nullTime(window.Start), nullTime(window.End))
	if err != nil {
		return nil, fmt.Errorf("query expiring pages: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.ScheduledDeletion, 0)
	for rows.Next() {
		var item workflow.ScheduledDeletion
		if err := rows.Scan(&item.PageID, &item.PageTitle, &item.URLSegment, &item.ExpiresAt, &item.HasBacklinks); err != nil {
			return nil, fmt.Errorf("scan expiring page: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func collectReportRows(rows *sql.Rows) ([]workflow.RequestReportRow, error) {
	items := make([]workflow.RequestReportRow, 0)
	for rows.Next() {
		var (
			item   workflow.RequestReportRow
			kind   string
			status string
		)
		if err := rows.Scan(
			&item.PageID,
			&item.PageTitle,
			&item.PageUpdatedAt,
			&item.RequestID,
			&kind,
			&status,
			&item.AuthorID,
			&item.AuthorName,
			&item.RequestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		item.Kind = workflow.RequestKind(kind)
		item.Status = workflow.RequestStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}
