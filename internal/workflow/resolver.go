package workflow

import (
	"context"
	"fmt"

	"cmsworkflow/internal/rbac"
)

// PublisherResolver finds the members allowed to approve requests on a page.
type PublisherResolver struct {
	permissions PermissionChecker
	groups      GroupMembership
}

func NewPublisherResolver(permissions PermissionChecker, groups GroupMembership) *PublisherResolver {
	return &PublisherResolver{permissions: permissions, groups: groups}
}

// ResolvePublishers returns the deduplicated publishers of page. Pages
// restricted to publisher groups use those groups; every other page falls
// back to the first administrator group. An empty result is not an error.
func (r *PublisherResolver) ResolvePublishers(ctx context.Context, page Page) ([]Member, error) {
	var groupIDs []string
	if page.Policy.CanPublishType == rbac.AccessOnlyTheseUsers {
		groupIDs = page.Policy.PublisherGroupIDs
	} else {
		adminGroups, err := r.permissions.GroupsWithPermission(ctx, rbac.PermissionAdmin)
		if err != nil {
			return nil, fmt.Errorf("load admin groups: %w", err)
		}
		if len(adminGroups) > 0 {
			groupIDs = []string{adminGroups[0].ID}
		}
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}

	members, err := r.groups.MembersOf(ctx, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("load publisher members: %w", err)
	}
	return uniqueMembers(members), nil
}
