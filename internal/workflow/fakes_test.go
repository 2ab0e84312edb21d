package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cmsworkflow/internal/rbac"
)

type memRepo struct {
	mu       sync.Mutex
	requests map[string]Request
	changes  []Change
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{requests: make(map[string]Request)}
}

func (r *memRepo) WithPageLock(_ context.Context, _ string, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	savedRequests := make(map[string]Request, len(r.requests))
	for id, request := range r.requests {
		savedRequests[id] = cloneRequest(request)
	}
	savedChanges := append([]Change(nil), r.changes...)
	savedNext := r.nextID

	if err := fn(&memTx{repo: r}); err != nil {
		r.requests = savedRequests
		r.changes = savedChanges
		r.nextID = savedNext
		return err
	}
	return nil
}

func (r *memRepo) OpenRequest(_ context.Context, pageID string) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(pageID), nil
}

func (r *memRepo) ClosedRequests(_ context.Context, pageID string) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var closed []Request
	for _, request := range r.requests {
		if request.PageID == pageID && !request.IsOpen() {
			closed = append(closed, cloneRequest(request))
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].CreatedAt.Before(closed[j].CreatedAt) })
	return closed, nil
}

func (r *memRepo) History(_ context.Context, requestID string) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var history []Change
	for _, change := range r.changes {
		if change.RequestID == requestID {
			history = append(history, change)
		}
	}
	return history, nil
}

func (r *memRepo) all() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, 0, len(r.requests))
	for _, request := range r.requests {
		out = append(out, cloneRequest(request))
	}
	return out
}

func (r *memRepo) openLocked(pageID string) *Request {
	for _, request := range r.requests {
		if request.PageID == pageID && request.IsOpen() {
			copied := cloneRequest(request)
			return &copied
		}
	}
	return nil
}

type memTx struct {
	repo *memRepo
}

func (t *memTx) OpenRequest(_ context.Context, pageID string) (*Request, error) {
	return t.repo.openLocked(pageID), nil
}

func (t *memTx) InsertRequest(_ context.Context, request Request) error {
	if request.IsOpen() && t.repo.openLocked(request.PageID) != nil {
		return ErrPersistenceConflict
	}
	t.repo.requests[request.ID] = cloneRequest(request)
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, request Request) error {
	existing, ok := t.repo.requests[request.ID]
	if !ok {
		return errors.New("request not found")
	}
	if existing.Status.IsTerminal() {
		return ErrRequestClosed
	}
	publishers := existing.Publishers
	request.Publishers = publishers
	t.repo.requests[request.ID] = cloneRequest(request)
	return nil
}

func (t *memTx) AddPublishers(_ context.Context, requestID string, memberIDs []string) error {
	existing, ok := t.repo.requests[requestID]
	if !ok {
		return errors.New("request not found")
	}
	existing.AddPublishers(memberIDs)
	t.repo.requests[requestID] = existing
	return nil
}

func (t *memTx) AppendChange(_ context.Context, change Change) (Change, error) {
	t.repo.nextID++
	change.ID = t.repo.nextID
	t.repo.changes = append(t.repo.changes, change)
	return change, nil
}

func cloneRequest(request Request) Request {
	request.Publishers = append([]string(nil), request.Publishers...)
	return request
}

type fakeVersions struct {
	mu    sync.Mutex
	draft map[string]int
	live  map[string]int
	err   error
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{draft: make(map[string]int), live: make(map[string]int)}
}

func (v *fakeVersions) LatestDraftVersion(_ context.Context, pageID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return 0, v.err
	}
	return v.draft[pageID], nil
}

func (v *fakeVersions) LatestLiveVersion(_ context.Context, pageID string) (*int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	version, ok := v.live[pageID]
	if !ok {
		return nil, nil
	}
	return &version, nil
}

func (v *fakeVersions) publish(pageID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.live[pageID] = v.draft[pageID]
}

// fakeDirectory implements PermissionChecker, GroupMembership and
// MemberDirectory over in-memory groups.
type fakeDirectory struct {
	members     map[string]Member
	groups      []Group
	memberships map[string][]string
	grants      map[string][]rbac.Permission
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members:     make(map[string]Member),
		memberships: make(map[string][]string),
		grants:      make(map[string][]rbac.Permission),
	}
}

func (d *fakeDirectory) addGroup(id string, perms ...rbac.Permission) {
	d.groups = append(d.groups, Group{ID: id, Code: id, Title: id})
	d.grants[id] = perms
}

func (d *fakeDirectory) addMember(id string, groupIDs ...string) Member {
	member := Member{ID: id, Email: id + "@example.test", FirstName: id}
	d.members[id] = member
	for _, groupID := range groupIDs {
		d.memberships[groupID] = append(d.memberships[groupID], id)
	}
	return member
}

func (d *fakeDirectory) Check(_ context.Context, memberID string, key rbac.Permission) (bool, error) {
	var held []rbac.Permission
	for groupID, memberIDs := range d.memberships {
		for _, id := range memberIDs {
			if id == memberID {
				held = append(held, d.grants[groupID]...)
			}
		}
	}
	return rbac.Grants(held, key), nil
}

func (d *fakeDirectory) GroupsWithPermission(_ context.Context, key rbac.Permission) ([]Group, error) {
	var out []Group
	for _, group := range d.groups {
		for _, perm := range d.grants[group.ID] {
			if perm == key {
				out = append(out, group)
				break
			}
		}
	}
	return out, nil
}

func (d *fakeDirectory) MembersOf(_ context.Context, groupIDs []string) ([]Member, error) {
	var out []Member
	for _, groupID := range groupIDs {
		for _, id := range d.memberships[groupID] {
			out = append(out, d.members[id])
		}
	}
	return out, nil
}

func (d *fakeDirectory) IsMemberOf(_ context.Context, memberID string, groupIDs []string) (bool, error) {
	for _, groupID := range groupIDs {
		for _, id := range d.memberships[groupID] {
			if id == memberID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *fakeDirectory) Member(_ context.Context, memberID string) (Member, error) {
	member, ok := d.members[memberID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return member, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []Notification
	failFor map[string]error
}

func (n *fakeNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failFor[notification.Recipient.ID]; ok {
		return err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) byTemplate(template Template) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, item := range n.sent {
		if item.Template == template {
			out = append(out, item)
		}
	}
	return out
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[string][]Change
}

func (a *fakeArchiver) ArchiveRequest(_ context.Context, request Request, history []Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archived == nil {
		a.archived = make(map[string][]Change)
	}
	a.archived[request.ID] = history
	return nil
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[string]*Request
	generations map[string]uint64
}

func (c *mapCache) Get(_ context.Context, pageID string) (*Request, bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	request, ok := c.entries[pageID]
	return request, ok, c.generations[pageID], nil
}

func (c *mapCache) Set(_ context.Context, pageID string, request *Request, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[pageID] != generation {
		return nil
	}
	if c.entries == nil {
		c.entries = make(map[string]*Request)
	}
	c.entries[pageID] = request
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, pageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations == nil {
		c.generations = make(map[string]uint64)
	}
	c.generations[pageID]++
	delete(c.entries, pageID)
	return nil
}

// pausingRepo runs afterRead once a non-transactional OpenRequest has read
// its result and before it returns.
type pausingRepo struct {
	*memRepo
	afterRead func()
}

func (r *pausingRepo) OpenRequest(ctx context.Context, pageID string) (*Request, error) {
	open, err := r.memRepo.OpenRequest(ctx, pageID)
	if r.afterRead != nil {
		hook := r.afterRead
		r.afterRead = nil
		hook()
	}
	return open, err
}
