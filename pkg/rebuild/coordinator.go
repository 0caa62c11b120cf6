// Package rebuild implements the Rebuild Coordinator (spec.md C8): a
// schema-change tool that walks an existing document store end to end
// and re-emits every live document through the insert path with fresh
// docids, without going anywhere near the bundle file parser.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/storage"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/rs/zerolog"
)

// IndexManager is the subset of pkg/index.IndexManager the coordinator
// needs, plus the live-docid enumeration only a rebuild walk requires.
type IndexManager interface {
	InsertDoc(doc *types.Document, terms map[string][]string) error
	DeleteDoc(docid types.DocId) error
	Commit() error
	LiveDocIds() []types.DocId
}

// TermSource supplies analyzed terms for a document's string
// properties, mirroring pkg/document.Preparer.TermsFor without
// depending on the full Preparer (a rebuild never parses a record).
type TermSource interface {
	TermsFor(propName, text string) []string
}

// Coordinator is the Rebuild Coordinator for one collection.
type Coordinator struct {
	CollectionName string
	DocStore       storage.DocumentManager
	IdManager      storage.IdManager
	IndexManager   IndexManager
	Terms          TermSource // optional; nil disables term analysis

	logger zerolog.Logger
}

// New constructs a Coordinator.
func New(collectionName string, docStore storage.DocumentManager, idMgr storage.IdManager, indexMgr IndexManager, terms TermSource) *Coordinator {
	return &Coordinator{
		CollectionName: collectionName,
		DocStore:       docStore,
		IdManager:      idMgr,
		IndexManager:   indexMgr,
		Terms:          terms,
		logger:         log.WithComponent("rebuild-coordinator").With().Str("collection", collectionName).Logger(),
	}
}

// Run walks every live docid in ascending order (as reported by
// IndexManager.LiveDocIds, itself already ascending per spec.md §4.8),
// re-inserting each document under a freshly assigned docid with a
// synthesized CreatedAt, then retiring the old docid. Deleted docids
// are skipped transparently, since LiveDocIds never reports them.
func (c *Coordinator) Run(ctx context.Context) error {
	liveIds := c.IndexManager.LiveDocIds()
	c.logger.Info().Int("count", len(liveIds)).Msg("starting rebuild walk")

	var rebuilt int
	for _, oldDocId := range liveIds {
		if err := ctx.Err(); err != nil {
			c.logger.Warn().Err(err).Msg("rebuild cancelled before completion")
			return c.flush()
		}

		if err := c.rebuildOne(oldDocId); err != nil {
			c.logger.Error().Uint32("docid", uint32(oldDocId)).Err(err).Msg("skipping document during rebuild")
			continue
		}
		rebuilt++
	}

	c.logger.Info().Int("rebuilt", rebuilt).Msg("rebuild walk complete")
	return c.flush()
}

func (c *Coordinator) rebuildOne(oldDocId types.DocId) error {
	deleted, err := c.DocStore.IsDeleted(oldDocId)
	if err != nil {
		return fmt.Errorf("check deleted: %w", err)
	}
	if deleted {
		return nil
	}

	doc, err := c.DocStore.GetDocument(oldDocId)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	hash := storage.ContentHash(doc.DocIdStr)
	_, newDocId, err := c.IdManager.AssignNew(hash)
	if err != nil {
		return fmt.Errorf("assign new docid: %w", err)
	}

	rebuilt := &types.Document{
		DocId:      newDocId,
		DocIdStr:   doc.DocIdStr,
		Properties: doc.Properties,
		CreatedAt:  time.Now(),
	}

	if err := c.DocStore.InsertDocument(rebuilt); err != nil {
		return fmt.Errorf("insert rebuilt document: %w", err)
	}
	if err := c.IndexManager.InsertDoc(rebuilt, c.analyzedTerms(rebuilt)); err != nil {
		return fmt.Errorf("index rebuilt document: %w", err)
	}

	if err := c.DocStore.RemoveDocument(oldDocId); err != nil {
		return fmt.Errorf("remove old document: %w", err)
	}
	if err := c.IndexManager.DeleteDoc(oldDocId); err != nil {
		return fmt.Errorf("deindex old document: %w", err)
	}
	if err := c.IdManager.MarkDeleted(oldDocId); err != nil {
		return fmt.Errorf("retire old docid: %w", err)
	}

	return nil
}

func (c *Coordinator) analyzedTerms(doc *types.Document) map[string][]string {
	if c.Terms == nil {
		return nil
	}
	terms := make(map[string][]string)
	for name, val := range doc.Properties {
		if val.Kind != types.PropertyString {
			continue
		}
		if t := c.Terms.TermsFor(name, val.Str); t != nil {
			terms[name] = t
		}
	}
	return terms
}

func (c *Coordinator) flush() error {
	if err := c.DocStore.Flush(); err != nil {
		return fmt.Errorf("flush document store: %w", err)
	}
	if err := c.IdManager.Flush(); err != nil {
		return fmt.Errorf("flush id manager: %w", err)
	}
	if err := c.IndexManager.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}
