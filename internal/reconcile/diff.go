package reconcile

import (
	"fleetagent/internal/desired"
	"fleetagent/internal/state"
)

// LocalFile is the on-disk view of one provisioned path.
type LocalFile struct {
	Exists bool
	Digest string
}

// DiffFiles returns the operations needed to reconcile files, in directive
// order. A removal is emitted only for a path that has a record or exists
// on disk. An install is skipped when the record matches the directive and
// the file on disk still has the recorded digest.
func DiffFiles(directives []desired.FileDirective, records map[string]state.InstalledFile, local map[string]LocalFile, skipped map[string]struct{}) []Operation {
	ops := make([]Operation, 0, len(directives))
	for _, d := range directives {
		id := d.Identity()
		if _, skip := skipped[id]; skip {
			continue
		}
		rec, hasRecord := records[id]
		disk := local[id]
		if d.Remove {
			if hasRecord || disk.Exists {
				ops = append(ops, Operation{Kind: RemoveFile, File: &d})
			}
			continue
		}
		if hasRecord && fileReconciled(d, rec, disk) {
			continue
		}
		ops = append(ops, Operation{Kind: InstallFile, File: &d})
	}
	return ops
}

func fileReconciled(d desired.FileDirective, rec state.InstalledFile, disk LocalFile) bool {
	return rec.URL == d.URL &&
		rec.Checksum == d.Checksum &&
		rec.LastUpdate == d.LastUpdate &&
		disk.Exists &&
		disk.Digest == rec.Digest
}

// DiffApps returns the operations needed to reconcile applications, in
// directive order. installed maps package ids to versions.
func DiffApps(directives []desired.AppDirective, installed map[string]string, skipped map[string]struct{}) []Operation {
	ops := make([]Operation, 0, len(directives))
	for _, d := range directives {
		id := d.Identity()
		if _, skip := skipped[id]; skip {
			continue
		}
		version, present := installed[id]
		if d.Remove {
			if present {
				ops = append(ops, Operation{Kind: RemoveApp, App: &d})
			}
			continue
		}
		if present && (d.Version == "" || d.Version == version) {
			continue
		}
		ops = append(ops, Operation{Kind: InstallApp, App: &d})
	}
	return ops
}
