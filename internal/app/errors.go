package app

import (
	"fmt"
	"net/http"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

// unavailable reports an optional backend that this deployment runs without.
func unavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}

func validationCode(code, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, code, message, nil)
}

// alreadyClaimed names the claimant when the caller knows who won.
func alreadyClaimed(by string) *DomainError {
	var details any
	if by != "" {
		details = map[string]any{"claimedByEmail": by}
	}
	return domainError(http.StatusConflict, "ALREADY_CLAIMED", "Item was already claimed", details)
}
