package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNoPublishersAvailable = errors.New("no publishers available")
	ErrRequestNotPermitted   = errors.New("request not permitted")
	// ErrRequestKindConflict matches ErrRequestNotPermitted as well.
	ErrRequestKindConflict = fmt.Errorf("%w: page has an open request of a different kind", ErrRequestNotPermitted)
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrNoOpenRequest       = errors.New("no open request")
	ErrRequestClosed       = errors.New("request is closed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrPageNotFound        = errors.New("page not found")
	ErrMemberNotFound      = errors.New("member not found")

	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
)

// NotificationError reports a message that could not be delivered. It never
// aborts the operation that produced it.
type NotificationError struct {
	Template    Template
	RecipientID string
	Err         error
}

func (e *NotificationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s to %s: %v", ErrNotificationDeliveryFailed, e.Template, e.RecipientID, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

func (e *NotificationError) Is(target error) bool {
	return target == ErrNotificationDeliveryFailed
}
