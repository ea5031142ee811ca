package desired_test

import (
	"errors"
	"testing"

	"fleetagent/internal/desired"
	"fleetagent/internal/services"
)

func TestDecodeValidDocument(t *testing.T) {
	doc := []byte(`{
		"applications": [
			{"pkg": "com.example.viewer", "version": "1.2", "url": "http://x/viewer.deb", "runAfterInstall": true},
			{"pkg": "com.example.old", "remove": true}
		],
		"files": [
			{"path": "a.txt", "url": "http://x/a"},
			{"path": "b.txt", "remove": true}
		],
		"kioskMode": true,
		"mainApp": "com.example.viewer",
		"reboot": true,
		"newServerUrl": "https://new.example.com/fleet"
	}`)

	cfg, err := desired.Decode(doc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Applications) != 2 || len(cfg.Files) != 2 {
		t.Fatalf("unexpected directive counts: %+v", cfg)
	}
	if !cfg.HasEscalation() {
		t.Fatal("expected reboot to count as escalation")
	}
	if app := cfg.Applications[0]; app.Identity() != "com.example.viewer" || !app.RunAfterInstall {
		t.Fatalf("unexpected first application: %+v", app)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"missing package":  `{"applications":[{"url":"http://x/a"}]}`,
		"duplicate pkg":    `{"applications":[{"pkg":"a","url":"http://x"},{"pkg":"a","url":"http://y"}]}`,
		"escaping path":    `{"files":[{"path":"../etc/passwd","url":"http://x"}]}`,
		"duplicate path":   `{"files":[{"path":"a.txt","url":"http://x"},{"path":"./a.txt","url":"http://y"}]}`,
		"file without url": `{"files":[{"path":"a.txt"}]}`,
		"app without url":  `{"applications":[{"pkg":"a"}]}`,
		"kiosk no main":    `{"kioskMode":true}`,
		"not json":         `{"files":`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := desired.Decode([]byte(doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if name != "not json" && !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation marker, got %v", err)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"a.txt":             "a.txt",
		"/etc/motd":         "etc/motd",
		"dir//sub/./f":      "dir/sub/f",
		"dir\\win.txt":      "dir/win.txt",
		"cafe\u0301.txt":    "caf\u00e9.txt",
		"  spaced/name.md ": "spaced/name.md",
	}
	for in, want := range tests {
		if got := desired.NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRevisionStableAndSensitive(t *testing.T) {
	a := &desired.Config{Files: []desired.FileDirective{{Path: "a.txt", URL: "http://x/a"}}}
	b := &desired.Config{Files: []desired.FileDirective{{Path: "a.txt", URL: "http://x/a"}}}
	c := &desired.Config{Files: []desired.FileDirective{{Path: "a.txt", URL: "http://x/a2"}}}

	if a.Revision() == "" || a.Revision() != b.Revision() {
		t.Fatalf("expected equal revisions, got %q and %q", a.Revision(), b.Revision())
	}
	if a.Revision() == c.Revision() {
		t.Fatal("expected different revision after url change")
	}
}

func TestStoreLocator(t *testing.T) {
	app := desired.AppDirective{Package: "htop", URL: "store:htop"}
	if !app.FromStore() || app.StoreRef() != "htop" {
		t.Fatalf("unexpected store parsing: %v %q", app.FromStore(), app.StoreRef())
	}
}

func TestSettingsPairs(t *testing.T) {
	tz := "Europe/Berlin"
	wifi := false
	pairs := desired.Settings{TimeZone: &tz, Wifi: &wifi}.Pairs()
	if len(pairs) != 2 || pairs[0] != [2]string{"timezone", tz} || pairs[1] != [2]string{"wifi", "false"} {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
}
