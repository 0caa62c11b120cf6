package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/baby/sf1r-lite/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketDeleted   = []byte("deleted")
	bucketMeta      = []byte("meta")

	keyMaxDocId = []byte("max_docid")
)

// BoltDocumentStore is the default DocumentManager, backed by bbolt,
// grounded on the teacher's BoltStore bucket-per-entity layout.
type BoltDocumentStore struct {
	db *bolt.DB
}

// NewBoltDocumentStore opens (creating if needed) a document store at
// <dataDir>/documents.db.
func NewBoltDocumentStore(dataDir string) (*BoltDocumentStore, error) {
	dbPath := filepath.Join(dataDir, "documents.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open document store: %v", types.ErrStoreError, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketDeleted, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init document store: %v", types.ErrStoreError, err)
	}

	return &BoltDocumentStore{db: db}, nil
}

func docKey(id types.DocId) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// InsertDocument writes a new document and advances max-docid bookkeeping.
func (s *BoltDocumentStore) InsertDocument(doc *types.Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDocuments).Put(docKey(doc.DocId), data); err != nil {
			return err
		}
		return bumpMax(tx, doc.DocId)
	})
}

func bumpMax(tx *bolt.Tx, id types.DocId) error {
	meta := tx.Bucket(bucketMeta)
	cur := meta.Get(keyMaxDocId)
	var curMax uint32
	if cur != nil {
		curMax = binary.BigEndian.Uint32(cur)
	}
	if uint32(id) > curMax {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(id))
		return meta.Put(keyMaxDocId, b[:])
	}
	return nil
}

// RemoveDocument marks a docid deleted (it stays resolvable for audit
// but IsDeleted reports true and index removal must happen separately).
func (s *BoltDocumentStore) RemoveDocument(docid types.DocId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeleted).Put(docKey(docid), []byte{1})
	})
}

// UpdatePartialDocument overlays values, and the summary spans recomputed
// from them, on top of the stored document (the R-type column rewrite
// path).
func (s *BoltDocumentStore) UpdatePartialDocument(docid types.DocId, values map[string]types.Value, summaries map[string][]types.SummarySpan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		raw := b.Get(docKey(docid))
		if raw == nil {
			return fmt.Errorf("%w: docid %d", types.ErrNotFound, docid)
		}
		var doc types.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if doc.Properties == nil {
			doc.Properties = make(map[string]types.Value)
		}
		for k, v := range values {
			doc.Properties[k] = v
		}
		if len(summaries) > 0 {
			if doc.Summaries == nil {
				doc.Summaries = make(map[string][]types.SummarySpan)
			}
			for k, v := range summaries {
				doc.Summaries[k] = v
			}
		}
		data, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		return b.Put(docKey(docid), data)
	})
}

// GetDocument returns the stored document for docid.
func (s *BoltDocumentStore) GetDocument(docid types.DocId) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get(docKey(docid))
		if raw == nil {
			return fmt.Errorf("%w: docid %d", types.ErrNotFound, docid)
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetPropertyValue returns a single property value.
func (s *BoltDocumentStore) GetPropertyValue(docid types.DocId, name string) (types.Value, bool, error) {
	doc, err := s.GetDocument(docid)
	if err != nil {
		return types.Value{}, false, err
	}
	v, ok := doc.Properties[name]
	return v, ok, nil
}

// GetMaxDocId returns the largest docid ever inserted.
func (s *BoltDocumentStore) GetMaxDocId() (types.DocId, error) {
	var max types.DocId
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyMaxDocId)
		if raw == nil {
			max = 0
			return nil
		}
		max = types.DocId(binary.BigEndian.Uint32(raw))
		return nil
	})
	return max, err
}

// IsDeleted reports whether docid has been removed.
func (s *BoltDocumentStore) IsDeleted(docid types.DocId) (bool, error) {
	var deleted bool
	err := s.db.View(func(tx *bolt.Tx) error {
		deleted = tx.Bucket(bucketDeleted).Get(docKey(docid)) != nil
		return nil
	})
	return deleted, err
}

// Flush is a no-op for bbolt (every Update commits its own transaction)
// but is kept to satisfy the DocumentManager contract, which other
// backends (e.g. a batching wrapper) may need to make meaningful.
func (s *BoltDocumentStore) Flush() error { return nil }

// Close closes the underlying database.
func (s *BoltDocumentStore) Close() error { return s.db.Close() }
