package desired

import (
	"fmt"
	"strings"

	"fleetagent/internal/services"
)

// Validate rejects documents the reconciliation pipeline cannot act on.
func (c *Config) Validate() error {
	if c == nil {
		return services.Wrap(services.ErrValidation, "desired", "validate", "empty document", nil)
	}
	seenApps := make(map[string]struct{}, len(c.Applications))
	for i, app := range c.Applications {
		id := app.Identity()
		if id == "" {
			return invalid("applications[%d]: package identifier is required", i)
		}
		if _, dup := seenApps[id]; dup {
			return invalid("applications[%d]: duplicate package %q", i, id)
		}
		seenApps[id] = struct{}{}
		if !app.Remove && strings.TrimSpace(app.URL) == "" {
			return invalid("applications[%d]: package %q has no source", i, id)
		}
	}

	seenFiles := make(map[string]struct{}, len(c.Files))
	for i, file := range c.Files {
		raw := strings.TrimSpace(file.Path)
		if raw == "" {
			return invalid("files[%d]: path is required", i)
		}
		for _, segment := range strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/") {
			if segment == ".." {
				return invalid("files[%d]: path %q escapes the files root", i, raw)
			}
		}
		id := file.Identity()
		if id == "" || id == "." {
			return invalid("files[%d]: path %q does not name a file", i, raw)
		}
		if _, dup := seenFiles[id]; dup {
			return invalid("files[%d]: duplicate path %q", i, id)
		}
		seenFiles[id] = struct{}{}
		if !file.Remove && strings.TrimSpace(file.URL) == "" {
			return invalid("files[%d]: path %q has no source", i, id)
		}
	}

	if c.KioskMode && strings.TrimSpace(c.MainApp) == "" {
		return invalid("kiosk mode requires a main app")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return services.Wrap(services.ErrValidation, "desired", "validate", fmt.Sprintf(format, args...), nil)
}
