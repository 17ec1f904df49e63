package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"folio/api/internal/auth"
	"folio/api/internal/moves"
	"folio/api/internal/remote"
	"folio/api/internal/store"
	"folio/api/internal/workspace"
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

	var rejected *moves.RejectError
	if errors.As(err, &rejected) {
		return http.StatusUnprocessableEntity, "MOVE_REJECTED", rejected.Error(), map[string]any{
			"reason": moves.Reason(err),
			"path":   rejected.Path,
		}
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, moves.ErrUnknownPath):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, workspace.ErrNotLoaded):
		return http.StatusConflict, "NOT_LOADED", "Workspace is not loaded", nil
	case errors.Is(err, remote.ErrUnauthorized):
		return http.StatusUnauthorized, "REMOTE_UNAUTHORIZED", "The repository host rejected the credentials", nil
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "REPO_NOT_FOUND", "Repository or branch not found", nil
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict, "REMOTE_CONFLICT", "The branch changed on the remote", nil
	case errors.Is(err, remote.ErrTruncated):
		return http.StatusUnprocessableEntity, "TREE_TRUNCATED", "The repository tree is too large to list", nil
	case errors.Is(err, remote.ErrInvalid):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil
	case errors.Is(err, remote.ErrTransient) || errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "The repository host is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
