package workflow

import (
	"context"
	"fmt"

	"cmsworkflow/internal/rbac"
)

// OpenRequestLookup returns the open request of a page, or nil.
type OpenRequestLookup func(ctx context.Context, pageID string) (*Request, error)

// Gate answers the publish, edit and request permission questions for a
// member on a page. A nil member is never granted anything.
type Gate struct {
	permissions PermissionChecker
	groups      GroupMembership
	openRequest OpenRequestLookup
}

func NewGate(permissions PermissionChecker, groups GroupMembership, openRequest OpenRequestLookup) *Gate {
	return &Gate{permissions: permissions, groups: groups, openRequest: openRequest}
}

func (g *Gate) CanPublish(ctx context.Context, page Page, member *Member) (bool, error) {
	if member == nil {
		return false, nil
	}
	isAdmin, err := g.permissions.Check(ctx, member.ID, rbac.PermissionAdmin)
	if err != nil {
		return false, fmt.Errorf("check admin permission: %w", err)
	}
	if isAdmin {
		return true, nil
	}

	hasCMSAccess, err := g.permissions.Check(ctx, member.ID, rbac.PermissionCMSAccess)
	if err != nil {
		return false, fmt.Errorf("check cms access: %w", err)
	}
	if !hasCMSAccess {
		return false, nil
	}

	switch page.Policy.CanPublishType {
	case rbac.AccessUnset, rbac.AccessAnyone:
		return true, nil
	case rbac.AccessLoggedInUsers:
		// CMS access was already required above.
		return hasCMSAccess, nil
	case rbac.AccessOnlyTheseUsers:
		if len(page.Policy.PublisherGroupIDs) == 0 {
			return false, nil
		}
		inGroup, err := g.groups.IsMemberOf(ctx, member.ID, page.Policy.PublisherGroupIDs)
		if err != nil {
			return false, fmt.Errorf("check publisher groups: %w", err)
		}
		return inGroup, nil
	default:
		return true, nil
	}
}

func (g *Gate) CanEdit(ctx context.Context, page Page, member *Member) (bool, error) {
	if member == nil {
		return false, nil
	}
	isAdmin, err := g.permissions.Check(ctx, member.ID, rbac.PermissionAdmin)
	if err != nil {
		return false, fmt.Errorf("check admin permission: %w", err)
	}
	if isAdmin {
		return true, nil
	}
	hasCMSAccess, err := g.permissions.Check(ctx, member.ID, rbac.PermissionCMSAccess)
	if err != nil {
		return false, fmt.Errorf("check cms access: %w", err)
	}
	if !hasCMSAccess {
		return false, nil
	}
	if page.Policy.CanEditType != rbac.AccessOnlyTheseUsers {
		return true, nil
	}
	if len(page.Policy.EditorGroupIDs) == 0 {
		return false, nil
	}
	inGroup, err := g.groups.IsMemberOf(ctx, member.ID, page.Policy.EditorGroupIDs)
	if err != nil {
		return false, fmt.Errorf("check editor groups: %w", err)
	}
	return inGroup, nil
}

func (g *Gate) CanCreatePublicationRequest(ctx context.Context, page Page, member *Member) (bool, error) {
	canEdit, err := g.CanEdit(ctx, page, member)
	if err != nil || !canEdit {
		return false, err
	}
	open, err := g.openRequest(ctx, page.ID)
	if err != nil {
		return false, fmt.Errorf("load open request: %w", err)
	}
	return allowsRequest(open, *member), nil
}

func (g *Gate) CanCreateDeletionRequest(ctx context.Context, page Page, member *Member) (bool, error) {
	return g.CanCreatePublicationRequest(ctx, page, member)
}

// allowsRequest: only the author of the open request may resubmit it.
func allowsRequest(open *Request, member Member) bool {
	if open == nil {
		return true
	}
	return open.AuthorID == member.ID
}
