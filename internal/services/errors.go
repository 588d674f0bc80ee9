package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLockConflict       = errors.New("lock conflict")
	ErrServerUnresponsive = errors.New("server unresponsive")
	ErrHostNotApproved    = errors.New("host not approved")
	ErrValidation         = errors.New("validation error")
	ErrConfiguration      = errors.New("configuration error")
	ErrTimeout            = errors.New("timeout")
	ErrTransient          = errors.New("transient failure")
	ErrTransferFailed     = errors.New("transfer failed")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// RunFatal reports whether the error aborts an upload run before any file is
// touched, as opposed to a per-file failure that the run records and survives.
func RunFatal(err error) bool {
	return errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrServerUnresponsive) ||
		errors.Is(err, ErrHostNotApproved) ||
		errors.Is(err, ErrConfiguration)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
