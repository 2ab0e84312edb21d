package workflow

import (
	"context"

	"cmsworkflow/internal/rbac"
)

// VersionStore exposes the draft and live version numbers of a page. A nil
// live version means the page has never been published.
type VersionStore interface {
	LatestDraftVersion(ctx context.Context, pageID string) (int, error)
	LatestLiveVersion(ctx context.Context, pageID string) (*int, error)
}

type PermissionChecker interface {
	Check(ctx context.Context, memberID string, key rbac.Permission) (bool, error)
	// GroupsWithPermission returns groups granted key in a stable order.
	GroupsWithPermission(ctx context.Context, key rbac.Permission) ([]Group, error)
}

type GroupMembership interface {
	MembersOf(ctx context.Context, groupIDs []string) ([]Member, error)
	IsMemberOf(ctx context.Context, memberID string, groupIDs []string) (bool, error)
}

type MemberDirectory interface {
	Member(ctx context.Context, memberID string) (Member, error)
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// OpenRequestCache memoizes the open request of a page. A hit with a nil
// request records that the page has no open request. Get also returns the
// page's cache generation, which Invalidate advances; Set stores nothing when
// the generation it was given is no longer current.
type OpenRequestCache interface {
	Get(ctx context.Context, pageID string) (request *Request, hit bool, generation uint64, err error)
	Set(ctx context.Context, pageID string, request *Request, generation uint64) error
	Invalidate(ctx context.Context, pageID string) error
}

// Repository persists requests and their history. WithPageLock runs fn in a
// single transaction holding the page's workflow lock; fn's error rolls it back.
type Repository interface {
	WithPageLock(ctx context.Context, pageID string, fn func(Tx) error) error
	OpenRequest(ctx context.Context, pageID string) (*Request, error)
	ClosedRequests(ctx context.Context, pageID string) ([]Request, error)
	History(ctx context.Context, requestID string) ([]Change, error)
}

type Tx interface {
	OpenRequest(ctx context.Context, pageID string) (*Request, error)
	InsertRequest(ctx context.Context, request Request) error
	UpdateRequest(ctx context.Context, request Request) error
	AddPublishers(ctx context.Context, requestID string, memberIDs []string) error
	AppendChange(ctx context.Context, change Change) (Change, error)
}

// Archiver stores a copy of a closed request outside the database.
type Archiver interface {
	ArchiveRequest(ctx context.Context, request Request, history []Change) error
}

type Recorder interface {
	Transition(kind RequestKind, status RequestStatus)
	Notification(template Template, err error)
	Conflict()
	CacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) Transition(RequestKind, RequestStatus) {}
func (nopRecorder) Notification(Template, error)          {}
func (nopRecorder) Conflict()                             {}
func (nopRecorder) CacheLookup(bool)                      {}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Request, bool, uint64, error) {
	return nil, false, 0, nil
}
func (nopCache) Set(context.Context, string, *Request, uint64) error { return nil }
func (nopCache) Invalidate(context.Context, string) error            { return nil }
