// Package index implements the Index Worker (spec.md C6): the state
// machine driving the bundle scanner, parser, and document preparer
// against the document and forward-index stores, including the
// backup/recovery loop.
package index

import (
	"sort"
	"sync"

	"github.com/baby/sf1r-lite/pkg/types"
)

// IndexManager is the forward/inverted-index collaborator the worker
// writes through. The real search engine lives behind this interface;
// this package only owns the build-pass orchestration.
type IndexManager interface {
	// InsertDoc adds doc to the index, with terms supplying the
	// tokenized values for each analyzed property, keyed by property name.
	InsertDoc(doc *types.Document, terms map[string][]string) error
	// UpdateRtypeDoc rewrites only the named columns for an existing docid.
	UpdateRtypeDoc(docid types.DocId, values map[string]types.Value) error
	// DeleteDoc removes a docid from the index.
	DeleteDoc(docid types.DocId) error
	// ResetPerPropertyCaches clears any per-file caching the index keeps
	// for analyzed-property tokenization, called after each insert file.
	ResetPerPropertyCaches()
	// Commit durably commits pending index mutations. In realtime mode
	// the worker commits after every document; in batch mode, once per pass.
	Commit() error
}

// FakeIndexManager is an in-memory IndexManager test double.
type FakeIndexManager struct {
	mu sync.Mutex

	Docs          map[types.DocId]*types.Document
	Terms         map[types.DocId]map[string][]string
	CommitCount   int
	CachesReset   int
	FailNextCommit bool
}

// NewFakeIndexManager constructs an empty FakeIndexManager.
func NewFakeIndexManager() *FakeIndexManager {
	return &FakeIndexManager{
		Docs:  make(map[types.DocId]*types.Document),
		Terms: make(map[types.DocId]map[string][]string),
	}
}

func (f *FakeIndexManager) InsertDoc(doc *types.Document, terms map[string][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Docs[doc.DocId] = doc
	f.Terms[doc.DocId] = terms
	return nil
}

func (f *FakeIndexManager) UpdateRtypeDoc(docid types.DocId, values map[string]types.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.Docs[docid]
	if !ok {
		return types.ErrNotFound
	}
	for k, v := range values {
		doc.Properties[k] = v
	}
	return nil
}

func (f *FakeIndexManager) DeleteDoc(docid types.DocId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Docs, docid)
	delete(f.Terms, docid)
	return nil
}

func (f *FakeIndexManager) ResetPerPropertyCaches() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CachesReset++
}

func (f *FakeIndexManager) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextCommit {
		f.FailNextCommit = false
		return types.ErrStoreError
	}
	f.CommitCount++
	return nil
}

// LiveDocIds returns the set of currently indexed docids in ascending order.
func (f *FakeIndexManager) LiveDocIds() []types.DocId {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]types.DocId, 0, len(f.Docs))
	for id := range f.Docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
