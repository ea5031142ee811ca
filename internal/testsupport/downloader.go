package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fleetagent/internal/fileutil"
	"fleetagent/internal/services"
	"fleetagent/internal/transfer"
)

// FakeDownloader serves locators from an in-memory map into Dir.
type FakeDownloader struct {
	Dir string

	mu       sync.Mutex
	content  map[string]string
	failures map[string]int
	calls    []string
}

// NewFakeDownloader writes artifacts into dir.
func NewFakeDownloader(dir string) *FakeDownloader {
	return &FakeDownloader{Dir: dir, content: map[string]string{}, failures: map[string]int{}}
}

// Serve registers the body returned for locator.
func (d *FakeDownloader) Serve(locator, body string) {
	d.mu.Lock()
	d.content[locator] = body
	d.mu.Unlock()
}

// FailNext makes the next n downloads of locator fail with a transfer error.
func (d *FakeDownloader) FailNext(locator string, n int) {
	d.mu.Lock()
	d.failures[locator] = n
	d.mu.Unlock()
}

// Calls returns the requested locators in order.
func (d *FakeDownloader) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *FakeDownloader) Download(_ context.Context, locator string, progress transfer.ProgressFunc) (transfer.Artifact, error) {
	d.mu.Lock()
	d.calls = append(d.calls, locator)
	body, ok := d.content[locator]
	if n := d.failures[locator]; n > 0 {
		d.failures[locator] = n - 1
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return transfer.Artifact{}, services.Wrap(services.ErrTransfer, "fake", "download", locator, fmt.Errorf("not served"))
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return transfer.Artifact{}, err
	}
	f, err := os.CreateTemp(d.Dir, "download-*.part")
	if err != nil {
		return transfer.Artifact{}, err
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return transfer.Artifact{}, err
	}
	if err := f.Close(); err != nil {
		return transfer.Artifact{}, err
	}
	digest, size, err := fileutil.Digest(strings.NewReader(body))
	if err != nil {
		return transfer.Artifact{}, err
	}
	if progress != nil {
		progress(transfer.Progress{Percent: 100, Total: size, Transferred: size})
	}
	return transfer.Artifact{Path: filepath.Clean(f.Name()), Digest: digest, Size: size}, nil
}
