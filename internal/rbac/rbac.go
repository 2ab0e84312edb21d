package rbac

import "fmt"

// Permission is a code granted to groups. Members inherit the codes of every
// group they belong to.
type Permission string

// AccessType selects who may perform an action on a page.
type AccessType string

const (
	PermissionAdmin       Permission = "ADMIN"
	PermissionCMSAccess   Permission = "CMS_ACCESS_CMSMain"
	PermissionAssetAccess Permission = "CMS_ACCESS_AssetAdmin"
	PermissionGrantAccess Permission = "SITETREE_GRANT_ACCESS"
)

const (
	AccessUnset          AccessType = ""
	AccessAnyone         AccessType = "Anyone"
	AccessLoggedInUsers  AccessType = "LoggedInUsers"
	AccessOnlyTheseUsers AccessType = "OnlyTheseUsers"
)

// DefaultPublishAccess is applied to pages created without an explicit
// publish policy.
const DefaultPublishAccess = AccessOnlyTheseUsers

// Grants reports whether a member holding the given codes has permission p.
// ADMIN implies every other code.
func Grants(held []Permission, p Permission) bool {
	for _, code := range held {
		if code == PermissionAdmin || code == p {
			return true
		}
	}
	return false
}

func ParseAccessType(value string) (AccessType, error) {
	switch AccessType(value) {
	case AccessUnset, AccessAnyone, AccessLoggedInUsers, AccessOnlyTheseUsers:
		return AccessType(value), nil
	default:
		return "", fmt.Errorf("unknown access type %q", value)
	}
}

// Normalize maps unknown values to the restrictive default.
func Normalize(value string) AccessType {
	parsed, err := ParseAccessType(value)
	if err != nil {
		return DefaultPublishAccess
	}
	return parsed
}

func ParsePermission(value string) (Permission, error) {
	switch Permission(value) {
	case PermissionAdmin, PermissionCMSAccess, PermissionAssetAccess, PermissionGrantAccess:
		return Permission(value), nil
	default:
		return "", fmt.Errorf("unknown permission %q", value)
	}
}
