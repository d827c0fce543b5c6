package app

import "fmt"

// DomainError carries an HTTP status and a stable machine-readable code so
// handlers can map service failures without string matching. Codes the
// frontend branches on: VERSION_CONFLICT, USERNAME_TAKEN, JOIN_REJECTED.
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
