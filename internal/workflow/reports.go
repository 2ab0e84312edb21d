package workflow

import (
	"context"
	"fmt"
	"time"
)

type RequestReportRow struct {
	PageID        string        `json:"pageId"`
	PageTitle     string        `json:"pageTitle"`
	PageUpdatedAt time.Time     `json:"pageUpdatedAt"`
	RequestID     string        `json:"requestId"`
	Kind          RequestKind   `json:"kind"`
	Status        RequestStatus `json:"status"`
	StatusLabel   string        `json:"statusLabel"`
	AuthorID      string        `json:"authorId"`
	AuthorName    string        `json:"authorName"`
	RequestedAt   time.Time     `json:"requestedAt"`
}

type ScheduledDeletion struct {
	PageID       string    `json:"pageId"`
	PageTitle    string    `json:"pageTitle"`
	URLSegment   string    `json:"urlSegment"`
	ExpiresAt    time.Time `json:"expiresAt"`
	HasBacklinks bool      `json:"hasBacklinks"`
}

// DateRange bounds are inclusive. A nil bound is open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// ReportSource runs the report queries. Rows are ordered by page
// last-modified time, newest first; expiring pages by expiry, latest first.
type ReportSource interface {
	RequestsByPublisher(ctx context.Context, kind RequestKind, publisherID string, statuses []RequestStatus) ([]RequestReportRow, error)
	RequestsByAuthor(ctx context.Context, kind RequestKind, authorID string, statuses []RequestStatus) ([]RequestReportRow, error)
	LivePagesExpiring(ctx context.Context, window DateRange) ([]ScheduledDeletion, error)
}

type Reports struct {
	source ReportSource
	now    func() time.Time
}

func NewReports(source ReportSource, now func() time.Time) *Reports {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reports{source: source, now: now}
}

// OpenRequestsForPublisher lists pages with an open request of kind assigned
// to publisherID. statuses narrows the open statuses considered.
func (r *Reports) OpenRequestsForPublisher(ctx context.Context, kind RequestKind, publisherID string, statuses ...RequestStatus) ([]RequestReportRow, error) {
	filter, err := openStatusFilter(statuses)
	if err != nil {
		return nil, err
	}
	rows, err := r.source.RequestsByPublisher(ctx, kind, publisherID, filter)
	if err != nil {
		return nil, fmt.Errorf("query publisher report: %w", err)
	}
	return withLabels(rows), nil
}

func (r *Reports) OpenRequestsForAuthor(ctx context.Context, kind RequestKind, authorID string) ([]RequestReportRow, error) {
	rows, err := r.source.RequestsByAuthor(ctx, kind, authorID, OpenStatuses())
	if err != nil {
		return nil, fmt.Errorf("query author report: %w", err)
	}
	return withLabels(rows), nil
}

// PagesScheduledForDeletion lists live pages expiring inside window. With
// both bounds open only pages expiring from now on are returned.
func (r *Reports) PagesScheduledForDeletion(ctx context.Context, window DateRange) ([]ScheduledDeletion, error) {
	if window.Start == nil && window.End == nil {
		now := r.now()
		window.Start = &now
	}
	if window.Start != nil && window.End != nil && window.End.Before(*window.Start) {
		return []ScheduledDeletion{}, nil
	}
	rows, err := r.source.LivePagesExpiring(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("query scheduled deletions: %w", err)
	}
	return rows, nil
}

func openStatusFilter(statuses []RequestStatus) ([]RequestStatus, error) {
	if len(statuses) == 0 {
		return OpenStatuses(), nil
	}
	for _, status := range statuses {
		if !status.IsOpen() {
			return nil, fmt.Errorf("report status %q is not an open status", status)
		}
	}
	return statuses, nil
}

func withLabels(rows []RequestReportRow) []RequestReportRow {
	for i := range rows {
		rows[i].StatusLabel = rows[i].Status.Label()
	}
	return rows
}
