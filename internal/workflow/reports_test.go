package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReportSource struct {
	statuses []RequestStatus
	window   DateRange
	rows     []RequestReportRow
}

func (s *fakeReportSource) RequestsByPublisher(_ context.Context, _ RequestKind, _ string, statuses []RequestStatus) ([]RequestReportRow, error) {
	s.statuses = statuses
	return s.rows, nil
}

func (s *fakeReportSource) RequestsByAuthor(_ context.Context, _ RequestKind, _ string, statuses []RequestStatus) ([]RequestReportRow, error) {
	s.statuses = statuses
	return s.rows, nil
}

func (s *fakeReportSource) LivePagesExpiring(_ context.Context, window DateRange) ([]ScheduledDeletion, error) {
	s.window = window
	return []ScheduledDeletion{{PageID: "p1"}}, nil
}

func TestPublisherReportDefaultsToOpenStatuses(t *testing.T) {
	source := &fakeReportSource{rows: []RequestReportRow{{PageID: "p1", Status: StatusAwaitingEdit}}}
	reports := NewReports(source, nil)

	rows, err := reports.OpenRequestsForPublisher(context.Background(), KindPublication, "pub1")
	require.NoError(t, err)
	assert.Equal(t, OpenStatuses(), source.statuses)
	require.Len(t, rows, 1)
	assert.Equal(t, "Awaiting edit", rows[0].StatusLabel)

	_, err = reports.OpenRequestsForPublisher(context.Background(), KindDeletion, "pub1", StatusAwaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, []RequestStatus{StatusAwaitingApproval}, source.statuses)

	_, err = reports.OpenRequestsForPublisher(context.Background(), KindDeletion, "pub1", StatusApproved)
	require.Error(t, err)
}

func TestScheduledDeletionDefaultsToNow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeReportSource{}
	reports := NewReports(source, func() time.Time { return now })

	_, err := reports.PagesScheduledForDeletion(context.Background(), DateRange{})
	require.NoError(t, err)
	require.NotNil(t, source.window.Start)
	assert.Equal(t, now, *source.window.Start)
	assert.Nil(t, source.window.End)

	end := now.Add(24 * time.Hour)
	_, err = reports.PagesScheduledForDeletion(context.Background(), DateRange{End: &end})
	require.NoError(t, err)
	assert.Nil(t, source.window.Start)
	assert.Equal(t, end, *source.window.End)
}

func TestScheduledDeletionInvertedRangeIsEmpty(t *testing.T) {
	source := &fakeReportSource{}
	reports := NewReports(source, nil)
	start := time.Now()
	end := start.Add(-time.Hour)

	rows, err := reports.PagesScheduledForDeletion(context.Background(), DateRange{Start: &start, End: &end})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Nil(t, source.window.Start)
}
