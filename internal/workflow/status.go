package workflow

import "fmt"

type RequestStatus string

const (
	StatusAwaitingApproval RequestStatus = "AwaitingApproval"
	StatusApproved         RequestStatus = "Approved"
	StatusDeclined         RequestStatus = "Declined"
	StatusAwaitingEdit     RequestStatus = "AwaitingEdit"
)

// OpenStatuses lists every status a request can hold while it still blocks
// a new request on the same page.
func OpenStatuses() []RequestStatus {
	return []RequestStatus{StatusAwaitingApproval, StatusAwaitingEdit}
}

func ParseRequestStatus(value string) (RequestStatus, error) {
	switch RequestStatus(value) {
	case StatusAwaitingApproval, StatusApproved, StatusDeclined, StatusAwaitingEdit:
		return RequestStatus(value), nil
	default:
		return "", fmt.Errorf("unknown request status %q", value)
	}
}

func (s RequestStatus) IsOpen() bool {
	return s != StatusApproved && s != StatusDeclined
}

func (s RequestStatus) IsTerminal() bool {
	return !s.IsOpen()
}

func (s RequestStatus) Label() string {
	switch s {
	case StatusAwaitingApproval:
		return "Awaiting approval"
	case StatusApproved:
		return "Approved"
	case StatusDeclined:
		return "Declined"
	case StatusAwaitingEdit:
		return "Awaiting edit"
	default:
		return string(s)
	}
}

var transitions = map[RequestStatus][]RequestStatus{
	StatusAwaitingApproval: {StatusAwaitingApproval, StatusApproved, StatusDeclined, StatusAwaitingEdit},
	StatusAwaitingEdit:     {StatusAwaitingEdit, StatusAwaitingApproval, StatusApproved, StatusDeclined},
}

// CanTransitionTo reports whether a request in status s may move to next.
// Terminal statuses accept nothing, not even themselves.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type RequestKind string

const (
	KindPublication RequestKind = "Publication"
	KindDeletion    RequestKind = "Deletion"
)

func ParseRequestKind(value string) (RequestKind, error) {
	switch RequestKind(value) {
	case KindPublication, KindDeletion:
		return RequestKind(value), nil
	default:
		return "", fmt.Errorf("unknown request kind %q", value)
	}
}

func (k RequestKind) Label() string {
	if k == KindDeletion {
		return "removal"
	}
	return "publication"
}
