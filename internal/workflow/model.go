package workflow

import (
	"sort"
	"strings"
	"time"

	"cmsworkflow/internal/rbac"
)

// Policy holds the workflow settings attached to a page.
type Policy struct {
	CanPublishType    rbac.AccessType `json:"canPublishType"`
	PublisherGroupIDs []string        `json:"publisherGroupIds"`
	CanEditType       rbac.AccessType `json:"canEditType"`
	EditorGroupIDs    []string        `json:"editorGroupIds"`
}

type Page struct {
	ID         string     `json:"id"`
	ParentID   string     `json:"parentId,omitempty"`
	Title      string     `json:"title"`
	URLSegment string     `json:"urlSegment"`
	Policy     Policy     `json:"policy"`
	IsLive     bool       `json:"isLive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	// LinkedPageIDs are the pages this page's content links to.
	LinkedPageIDs []string `json:"linkedPageIds"`
}

// Link is the site-relative path of the page.
func (p Page) Link() string {
	segment := strings.Trim(p.URLSegment, "/")
	if segment == "" {
		return "/"
	}
	return "/" + segment + "/"
}

type Member struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	Surname   string `json:"surname"`
}

func (m Member) Name() string {
	name := strings.TrimSpace(m.FirstName + " " + m.Surname)
	if name == "" {
		return m.Email
	}
	return name
}

type Group struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Title string `json:"title"`
}

// Request is one approval cycle for a page.
type Request struct {
	ID          string        `json:"id"`
	PageID      string        `json:"pageId"`
	Kind        RequestKind   `json:"kind"`
	Status      RequestStatus `json:"status"`
	AuthorID    string        `json:"authorId"`
	PublisherID string        `json:"publisherId,omitempty"`
	Publishers  []string      `json:"publishers"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

func (r Request) IsOpen() bool {
	return r.Status.IsOpen()
}

// Transition moves the request to next and reports whether the status value
// changed.
func (r *Request) Transition(next RequestStatus) (bool, error) {
	if r.Status.IsTerminal() {
		return false, ErrRequestClosed
	}
	if !r.Status.CanTransitionTo(next) {
		return false, ErrInvalidTransition
	}
	if r.Status == next {
		return false, nil
	}
	r.Status = next
	return true, nil
}

// AddPublishers merges ids into the assigned publisher set and returns the
// ids that were not already assigned.
func (r *Request) AddPublishers(ids []string) []string {
	seen := make(map[string]struct{}, len(r.Publishers))
	for _, id := range r.Publishers {
		seen[id] = struct{}{}
	}
	added := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r.Publishers = append(r.Publishers, id)
		added = append(added, id)
	}
	sort.Strings(r.Publishers)
	return added
}

func (r Request) HasPublisher(memberID string) bool {
	for _, id := range r.Publishers {
		if id == memberID {
			return true
		}
	}
	return false
}

// Change is one immutable history entry of a request.
type Change struct {
	ID               int64         `json:"id"`
	RequestID        string        `json:"requestId"`
	AuthorID         string        `json:"authorId"`
	Status           RequestStatus `json:"status"`
	PageDraftVersion int           `json:"pageDraftVersion"`
	PageLiveVersion  *int          `json:"pageLiveVersion,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

func uniqueMembers(members []Member) []Member {
	seen := make(map[string]struct{}, len(members))
	out := make([]Member, 0, len(members))
	for _, member := range members {
		if member.ID == "" {
			continue
		}
		if _, ok := seen[member.ID]; ok {
			continue
		}
		seen[member.ID] = struct{}{}
		out = append(out, member)
	}
	return out
}

func memberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	return ids
}
