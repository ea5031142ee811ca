package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")

	ErrCapabilityDeclined = errors.New("capability declined")
	ErrAuth               = errors.New("device identity rejected")
	ErrNetwork            = errors.New("authority unreachable")
	ErrMigrationProbe     = errors.New("migration probe failed")
	ErrTransfer           = errors.New("transfer failed")
	ErrInstall            = errors.New("install failed")
	ErrPrivilegeMissing   = errors.New("privilege missing")
)

// Wrap builds an error message that includes component context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
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

// Category maps an error to the short label used in status output, remote
// logs, and device reports.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrMigrationProbe):
		return "migration_probe"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrInstall):
		return "install"
	case errors.Is(err, ErrPrivilegeMissing):
		return "privilege_missing"
	case errors.Is(err, ErrCapabilityDeclined):
		return "capability_declined"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "transient"
	}
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
