package types

import "errors"

// Error kinds per spec.md §7. Callers use errors.Is against these
// sentinels; component-specific detail is attached with fmt.Errorf's
// %w wrapping.
var (
	ErrBadFormat       = errors.New("bad format")
	ErrSchemaViolation = errors.New("schema violation")
	ErrIdConflict      = errors.New("id conflict")
	ErrStoreError      = errors.New("store error")
	ErrDirectoryDirty  = errors.New("directory dirty")
	ErrFilesystemError = errors.New("filesystem error")
	ErrCancelled       = errors.New("cancelled")

	// ErrDuplicateDocid is a specific IdConflict case: assign_new
	// returned a docid at or below the document store's current max.
	ErrDuplicateDocid = errors.New("duplicate docid")

	// ErrNotFound is returned by store lookups (old-document load for
	// a non-R-type update, partial updates of a missing docid, etc).
	ErrNotFound = errors.New("not found")
)
