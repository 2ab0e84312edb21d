package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestStatus(t *testing.T) {
	status, err := ParseRequestStatus("AwaitingEdit")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingEdit, status)

	_, err = ParseRequestStatus("Pending")
	require.Error(t, err)

	_, err = ParseRequestKind("Archive")
	require.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from  RequestStatus
		to    RequestStatus
		allow bool
	}{
		{StatusAwaitingApproval, StatusApproved, true},
		{StatusAwaitingApproval, StatusDeclined, true},
		{StatusAwaitingApproval, StatusAwaitingEdit, true},
		{StatusAwaitingApproval, StatusAwaitingApproval, true},
		{StatusAwaitingEdit, StatusAwaitingApproval, true},
		{StatusAwaitingEdit, StatusDeclined, true},
		{StatusApproved, StatusAwaitingApproval, false},
		{StatusApproved, StatusApproved, false},
		{StatusDeclined, StatusAwaitingEdit, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.allow, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalRequestRejectsTransition(t *testing.T) {
	request := Request{Status: StatusApproved}
	changed, err := request.Transition(StatusDeclined)
	require.ErrorIs(t, err, ErrRequestClosed)
	assert.False(t, changed)
	assert.Equal(t, StatusApproved, request.Status)
}

func TestTransitionReportsChange(t *testing.T) {
	request := Request{Status: StatusAwaitingApproval}

	changed, err := request.Transition(StatusAwaitingApproval)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = request.Transition(StatusApproved)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, request.IsOpen())
}

func TestAddPublishersMergesAndSorts(t *testing.T) {
	request := Request{Publishers: []string{"m2"}}
	added := request.AddPublishers([]string{"m3", "m2", "", "m1", "m3"})
	assert.Equal(t, []string{"m3", "m1"}, added)
	assert.Equal(t, []string{"m1", "m2", "m3"}, request.Publishers)
	assert.True(t, request.HasPublisher("m1"))
}

func TestSubjectAndLinks(t *testing.T) {
	page := Page{ID: "p1", Title: "About", URLSegment: "about-us"}
	assert.Equal(t, `Page "About" is awaiting removal approval`, Subject(TemplateAwaitingApproval, KindDeletion, page.Title))
	assert.Equal(t, `The workflow status of the "About" page has changed`, Subject(TemplateStatusChanged, KindPublication, page.Title))

	links := BuildLinks(page, 4, nil)
	assert.Equal(t, "/about-us/?stage=Stage", links.StageSite)
	assert.Equal(t, "/about-us/?stage=Live", links.LiveSite)
	assert.Empty(t, links.Diff)

	live := 2
	links = BuildLinks(page, 4, &live)
	assert.Equal(t, "admin/compareversions/p1/?From=4&To=2", links.Diff)
}
