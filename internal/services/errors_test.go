package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"fleetagent/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("connection reset")
	err := services.Wrap(services.ErrTransfer, "transfer", "download", "a.txt", base)
	if !errors.Is(err, services.ErrTransfer) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transfer", "download", "a.txt", "connection reset"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{services.Wrap(services.ErrAuth, "fetcher", "fetch", "", nil), "auth"},
		{fmt.Errorf("outer: %w", services.Wrap(services.ErrNetwork, "fetcher", "fetch", "", nil)), "network"},
		{services.Wrap(services.ErrPrivilegeMissing, "escalation", "reboot", "", nil), "privilege_missing"},
		{services.Wrap(services.ErrInstall, "installer", "install", "", nil), "install"},
		{errors.New("plain"), "transient"},
	}
	for _, tt := range tests {
		if got := services.Category(tt.err); got != tt.want {
			t.Errorf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
