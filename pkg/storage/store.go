// Package storage defines the contracts for the collaborators the core
// pipeline depends on but does not own — the document store and the id
// manager (spec.md §6) — plus default bbolt-backed implementations of
// each. The real inverted-index storage engine is a separate named
// collaborator (see pkg/index.IndexManager) and stays out of this
// package.
package storage

import "github.com/baby/sf1r-lite/pkg/types"

// DocumentManager is the external document-store contract consumed by
// the Index Worker and Document Preparer (spec.md §6).
type DocumentManager interface {
	InsertDocument(doc *types.Document) error
	RemoveDocument(docid types.DocId) error
	UpdatePartialDocument(docid types.DocId, values map[string]types.Value, summaries map[string][]types.SummarySpan) error
	GetDocument(docid types.DocId) (*types.Document, error)
	GetPropertyValue(docid types.DocId, name string) (types.Value, bool, error)
	GetMaxDocId() (types.DocId, error)
	IsDeleted(docid types.DocId) (bool, error)
	Flush() error
	Close() error
}

// IdManager is the external id-mapping-store contract (spec.md §3/§6).
// hash is the 128-bit content hash of an external DOCID, carried as a
// fixed-size byte array so implementations can use it directly as a
// map/bucket key.
type IdManager interface {
	// Resolve returns the live docid for hash, if any.
	Resolve(hash [16]byte) (types.DocId, bool, error)

	// AssignNew allocates a fresh docid for hash. If hash already
	// mapped to a (possibly deleted) docid, that old docid is
	// returned alongside the new one.
	AssignNew(hash [16]byte) (oldDocId types.DocId, newDocId types.DocId, err error)

	// UpdateExisting reassigns hash to newDocId, marking old as
	// deleted. Used for R-type updates, where old == new.
	UpdateExisting(hash [16]byte, old types.DocId, newDocId types.DocId) error

	// MarkDeleted marks docid as deleted without remapping any hash
	// (used by delete bundles once hashes are resolved to docids).
	MarkDeleted(docid types.DocId) error

	Flush() error
	Close() error
}

// ContentHash hashes an external DOCID string to the 128-bit key used
// to key the id manager, per spec.md §3.
func ContentHash(docidStr string) [16]byte {
	return contentHash(docidStr)
}
