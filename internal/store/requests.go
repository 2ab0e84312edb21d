package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cmsworkflow/internal/workflow"
)

const requestColumns = `id, page_id, kind, status, author_id, COALESCE(publisher_id, ''), created_at, updated_at`

const openRequestQuery = `
	SELECT ` + requestColumns + `
	FROM workflow_requests
	WHERE page_id = $1 AND status NOT IN ('Approved', 'Declined')
	ORDER BY created_at DESC
	LIMIT 1
`

// WithPageLock runs fn in a transaction holding a transaction-scoped
// advisory lock on the page. Writers on other pages are not blocked.
func (s *PostgresStore) WithPageLock(ctx context.Context, pageID string, fn func(workflow.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workflow tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "workflow:"+pageID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock page %s: %w", pageID, err)
	}
	if err := fn(&requestTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapPgError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(fmt.Errorf("commit workflow tx: %w", err))
	}
	return nil
}

func (s *PostgresStore) OpenRequest(ctx context.Context, pageID string) (*workflow.Request, error) {
	return openRequest(ctx, s.db, pageID)
}

func (s *PostgresStore) ClosedRequests(ctx context.Context, pageID string) ([]workflow.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM workflow_requests
		WHERE page_id = $1 AND status IN ('Approved', 'Declined')
		ORDER BY created_at, id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("query closed requests: %w", err)
	}
	defer rows.Close()

	requests := make([]workflow.Request, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range requests {
		publishers, err := requestPublishers(ctx, s.db, requests[i].ID)
		if err != nil {
			return nil, err
		}
		requests[i].Publishers = publishers
	}
	return requests, nil
}

func (s *PostgresStore) History(ctx context.Context, requestID string) ([]workflow.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, author_id, status, page_draft_version, page_live_version, created_at
		FROM workflow_request_changes
		WHERE request_id = $1
		ORDER BY id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query request history: %w", err)
	}
	defer rows.Close()

	changes := make([]workflow.Change, 0)
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

type requestTx struct {
	tx *sql.Tx
}

func (t *requestTx) OpenRequest(ctx context.Context, pageID string) (*workflow.Request, error) {
	return openRequest(ctx, t.tx, pageID)
}

func (t *requestTx) InsertRequest(ctx context.Context, request workflow.Request) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_requests (id, page_id, kind, status, author_id, publisher_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, request.ID, request.PageID, string(request.Kind), string(request.Status),
		request.AuthorID, request.PublisherID, request.CreatedAt, request.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", mapPgError(err))
	}
	return nil
}

func (t *requestTx) UpdateRequest(ctx context.Context, request workflow.Request) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_requests
		SET status = $2, author_id = $3, publisher_id = NULLIF($4, ''), updated_at = $5
		WHERE id = $1
	`, request.ID, string(request.Status), request.AuthorID, request.PublisherID, request.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update request: %w", mapPgError(err))
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("update request %s: %w", request.ID, sql.ErrNoRows)
	}
	return nil
}

func (t *requestTx) AddPublishers(ctx context.Context, requestID string, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_request_publishers (request_id, member_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, requestID, memberIDs)
	if err != nil {
		return fmt.Errorf("attach publishers: %w", err)
	}
	return nil
}

func (t *requestTx) AppendChange(ctx context.Context, change workflow.Change) (workflow.Change, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO workflow_request_changes (request_id, author_id, status, page_draft_version, page_live_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, change.RequestID, change.AuthorID, string(change.Status), change.PageDraftVersion,
		nullInt(change.PageLiveVersion), change.CreatedAt).Scan(&change.ID)
	if err != nil {
		return workflow.Change{}, fmt.Errorf("append change: %w", err)
	}
	return change, nil
}

func openRequest(ctx context.Context, q queryer, pageID string) (*workflow.Request, error) {
	request, err := scanRequest(q.QueryRowContext(ctx, openRequestQuery, pageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read open request: %w", err)
	}
	publishers, err := requestPublishers(ctx, q, request.ID)
	if err != nil {
		return nil, err
	}
	request.Publishers = publishers
	return &request, nil
}

func requestPublishers(ctx context.Context, q queryer, requestID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT member_id FROM workflow_request_publishers WHERE request_id=$1 ORDER BY member_id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query request publishers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan request publisher: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
