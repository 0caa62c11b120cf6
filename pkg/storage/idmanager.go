package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/baby/sf1r-lite/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketHashToDocId = []byte("hash_to_docid")

// BoltIdManager is the default IdManager. Resolution is served from an
// in-memory map guarded by a mutex (grounded on the teacher's
// TokenManager: a map of opaque keys to small records, protected by
// sync.RWMutex), durably mirrored into a bbolt bucket so a restart
// rebuilds the in-memory map instead of losing the hash→docid mapping.
type BoltIdManager struct {
	db *bolt.DB

	mu        sync.RWMutex
	live      map[[16]byte]types.DocId
	deleted   map[types.DocId]bool
	nextDocId uint32
}

// NewBoltIdManager opens (creating if needed) an id manager at
// <dataDir>/idmanager.db and rebuilds its in-memory index from disk.
func NewBoltIdManager(dataDir string) (*BoltIdManager, error) {
	dbPath := filepath.Join(dataDir, "idmanager.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open id manager: %v", types.ErrStoreError, err)
	}

	m := &BoltIdManager{
		db:      db,
		live:    make(map[[16]byte]types.DocId),
		deleted: make(map[types.DocId]bool),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketHashToDocId)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var hash [16]byte
			copy(hash[:], k)
			id := types.DocId(binary.BigEndian.Uint32(v[:4]))
			deleted := len(v) > 4 && v[4] == 1
			m.live[hash] = id
			if deleted {
				m.deleted[id] = true
			}
			if uint32(id) > m.nextDocId {
				m.nextDocId = uint32(id)
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load id manager: %v", types.ErrStoreError, err)
	}

	return m, nil
}

func (m *BoltIdManager) persist(hash [16]byte, id types.DocId, deleted bool) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		var v [5]byte
		binary.BigEndian.PutUint32(v[:4], uint32(id))
		if deleted {
			v[4] = 1
		}
		return tx.Bucket(bucketHashToDocId).Put(hash[:], v[:])
	})
}

// Resolve returns the live docid mapped to hash, if any and not deleted.
func (m *BoltIdManager) Resolve(hash [16]byte) (types.DocId, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.live[hash]
	if !ok || m.deleted[id] {
		return 0, false, nil
	}
	return id, true, nil
}

// AssignNew allocates a new docid for hash. If hash was previously
// mapped, the previous docid is returned as oldDocId (regardless of
// whether it was already marked deleted) so the caller can decide
// whether an old index entry needs removing.
func (m *BoltIdManager) AssignNew(hash [16]byte) (types.DocId, types.DocId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, hadOld := m.live[hash]

	newId := types.DocId(atomic.AddUint32(&m.nextDocId, 1))
	m.live[hash] = newId
	delete(m.deleted, newId)

	if err := m.persist(hash, newId, false); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", types.ErrStoreError, err)
	}

	if hadOld {
		return old, newId, nil
	}
	return 0, newId, nil
}

// UpdateExisting reassigns hash to newDocId and marks old deleted,
// unless old == newDocId (the R-type reuse path), in which case no
// docid is actually retired.
func (m *BoltIdManager) UpdateExisting(hash [16]byte, old types.DocId, newDocId types.DocId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.live[hash] = newDocId
	if newDocId > types.DocId(m.nextDocId) {
		m.nextDocId = uint32(newDocId)
	}
	if old != 0 && old != newDocId {
		m.deleted[old] = true
	}
	if err := m.persist(hash, newDocId, false); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreError, err)
	}
	return nil
}

// MarkDeleted marks docid deleted without touching any hash mapping;
// used once a delete bundle's DOCIDs have been resolved to docids.
func (m *BoltIdManager) MarkDeleted(docid types.DocId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[docid] = true
	for hash, id := range m.live {
		if id == docid {
			return m.persist(hash, id, true)
		}
	}
	return nil
}

// Flush is a no-op; every mutation above is already durably persisted
// before it returns.
func (m *BoltIdManager) Flush() error { return nil }

// Close closes the underlying database.
func (m *BoltIdManager) Close() error { return m.db.Close() }
