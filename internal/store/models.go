package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cmsworkflow/internal/workflow"
)

const (
	codeUniqueViolation = "23505"
	codeRequestClosed   = "WF001"
	codeAppendOnly      = "WF002"
)

// ErrAppendOnly is returned when a statement tries to rewrite request history.
var ErrAppendOnly = errors.New("request history is append-only")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", workflow.ErrPersistenceConflict, err)
	case codeRequestClosed:
		return fmt.Errorf("%w: %w", workflow.ErrRequestClosed, err)
	case codeAppendOnly:
		return fmt.Errorf("%w: %w", ErrAppendOnly, err)
	default:
		return err
	}
}

func scanRequest(row scanner) (workflow.Request, error) {
	var (
		request workflow.Request
		kind    string
		status  string
	)
	if err := row.Scan(
		&request.ID,
		&request.PageID,
		&kind,
		&status,
		&request.AuthorID,
		&request.PublisherID,
		&request.CreatedAt,
		&request.UpdatedAt,
	); err != nil {
		return workflow.Request{}, err
	}
	var err error
	if request.Kind, err = workflow.ParseRequestKind(kind); err != nil {
		return workflow.Request{}, err
	}
	if request.Status, err = workflow.ParseRequestStatus(status); err != nil {
		return workflow.Request{}, err
	}
	return request, nil
}

func scanChange(row scanner) (workflow.Change, error) {
	var (
		change workflow.Change
		status string
		live   sql.NullInt64
	)
	if err := row.Scan(
		&change.ID,
		&change.RequestID,
		&change.AuthorID,
		&status,
		&change.PageDraftVersion,
		&live,
		&change.CreatedAt,
	); err != nil {
		return workflow.Change{}, err
	}
	parsed, err := workflow.ParseRequestStatus(status)
	if err != nil {
		return workflow.Change{}, err
	}
	change.Status = parsed
	if live.Valid {
		version := int(live.Int64)
		change.PageLiveVersion = &version
	}
	return change, nil
}

func scanMember(row scanner) (workflow.Member, error) {
	var member workflow.Member
	err := row.Scan(&member.ID, &member.Email, &member.FirstName, &member.Surname)
	return member, err
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func statusStrings(statuses []workflow.RequestStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
