package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"fleetagent/internal/fileutil"
	"fleetagent/internal/state"
)

// WriteInstalledFile writes content to rel under root and returns the record
// the executor would have persisted for it after downloading from url.
func WriteInstalledFile(t testing.TB, root, rel, url, content string) state.InstalledFile {
	t.Helper()

	target := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", target, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", target, err)
	}
	digest, size, err := fileutil.DigestFile(target)
	if err != nil {
		t.Fatalf("digest %s: %v", target, err)
	}
	return state.InstalledFile{Path: rel, URL: url, Digest: digest, Size: size}
}
