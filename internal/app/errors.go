package app

import (
	"errors"
	"fmt"
	"net/http"

	"cmsworkflow/internal/auth"
	"cmsworkflow/internal/gitrepo"
	"cmsworkflow/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, workflow.ErrPageNotFound), errors.Is(err, gitrepo.ErrPageRepoNotFound):
		return http.StatusNotFound, "PAGE_NOT_FOUND", "Page not found", nil
	case errors.Is(err, workflow.ErrMemberNotFound):
		return http.StatusUnprocessableEntity, "MEMBER_NOT_FOUND", "Member not found", nil
	case errors.Is(err, workflow.ErrNoOpenRequest):
		return http.StatusNotFound, "NO_OPEN_REQUEST", "The page has no open workflow request", nil
	case errors.Is(err, workflow.ErrNoPublishersAvailable):
		return http.StatusConflict, "NO_PUBLISHERS_AVAILABLE", "No publishers are available for this page", nil
	case errors.Is(err, workflow.ErrRequestKindConflict):
		return http.StatusConflict, "REQUEST_KIND_CONFLICT", "The page has an open request of a different kind", nil
	case errors.Is(err, workflow.ErrRequestNotPermitted):
		return http.StatusForbidden, "REQUEST_NOT_PERMITTED", "You are not permitted to do this", nil
	case errors.Is(err, workflow.ErrPersistenceConflict):
		return http.StatusConflict, "PERSISTENCE_CONFLICT", "The request was changed concurrently, retry", nil
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrRequestClosed):
		return http.StatusConflict, "INVALID_TRANSITION", "The request cannot move to that status", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// warningPayload renders non-fatal errors returned alongside a result.
func warningPayload(warnings []error) []map[string]any {
	out := make([]map[string]any, 0, len(warnings))
	for _, warning := range warnings {
		item := map[string]any{"error": warning.Error()}
		var notificationErr *workflow.NotificationError
		if errors.As(warning, &notificationErr) {
			item["code"] = "NOTIFICATION_DELIVERY_FAILED"
			item["template"] = notificationErr.Template
			item["recipientId"] = notificationErr.RecipientID
		}
		out = append(out, item)
	}
	return out
}
