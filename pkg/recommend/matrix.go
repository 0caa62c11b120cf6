package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/baby/sf1r-lite/pkg/log"
	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
)

// staleAfterUpdates is how many co-occurrence updates accumulate before
// Stale reports true, following the same "accumulate then trigger"
// shape as the index worker's backup-byte threshold.
const staleAfterUpdates = 50

// ChromemMatrix is the default RecommendMatrix, grounded on
// kadirpekel-hector's ChromemProvider: an embedded chromem-go database
// holding one pre-computed vector per item, where the vector's
// components are that item's normalized co-occurrence weight against
// every other known item. Recommending similar items is then a cosine
// similarity query against the item's own vector, which is exactly
// what chromem-go's QueryEmbedding already computes.
type ChromemMatrix struct {
	mu          sync.Mutex
	db          *chromem.DB
	persistPath string
	collection  string

	visitCounts    map[int64]map[int64]int
	purchaseCounts map[int64]map[int64]int
	itemIndex      map[int64]int
	itemOrder      []int64
	vectors        map[int64][]float32

	updatesSinceRebuild int

	logger zerolog.Logger
}

// NewChromemMatrix constructs a ChromemMatrix. persistPath may be
// empty to keep the matrix in memory only.
func NewChromemMatrix(persistPath, collection string) (*ChromemMatrix, error) {
	var db *chromem.DB
	if persistPath != "" {
		loaded, err := chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			db = chromem.NewDB()
		} else {
			db = loaded
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemMatrix{
		db:             db,
		persistPath:    persistPath,
		collection:     collection,
		visitCounts:    make(map[int64]map[int64]int),
		purchaseCounts: make(map[int64]map[int64]int),
		itemIndex:      make(map[int64]int),
		vectors:        make(map[int64][]float32),
		logger:         log.WithComponent("recommend-matrix"),
	}, nil
}

func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("identity embedding function should not be invoked; vectors are pre-computed")
}

func (m *ChromemMatrix) recordPair(counts map[int64]map[int64]int, a, b int64) {
	if a == b {
		return
	}
	if counts[a] == nil {
		counts[a] = make(map[int64]int)
	}
	if counts[b] == nil {
		counts[b] = make(map[int64]int)
	}
	counts[a][b]++
	counts[b][a]++
	m.ensureIndexed(a)
	m.ensureIndexed(b)
	m.updatesSinceRebuild++
}

func (m *ChromemMatrix) ensureIndexed(id int64) {
	if _, ok := m.itemIndex[id]; ok {
		return
	}
	m.itemIndex[id] = len(m.itemOrder)
	m.itemOrder = append(m.itemOrder, id)
}

// RecordCoVisit implements RecommendMatrix.
func (m *ChromemMatrix) RecordCoVisit(a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordPair(m.visitCounts, a, b)
	return nil
}

// RecordCoPurchase implements RecommendMatrix.
func (m *ChromemMatrix) RecordCoPurchase(a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordPair(m.purchaseCounts, a, b)
	return nil
}

// Stale implements RecommendMatrix.
func (m *ChromemMatrix) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatesSinceRebuild >= staleAfterUpdates
}

// Rebuild implements RecommendMatrix: recomputes each known item's
// co-occurrence vector (co-purchase counts weighted double plus co-visit
// counts, L2-normalized) and upserts it into the chromem collection.
func (m *ChromemMatrix) Rebuild() error {
	m.mu.Lock()
	dim := len(m.itemOrder)
	if dim == 0 {
		m.updatesSinceRebuild = 0
		m.mu.Unlock()
		return nil
	}
	items := append([]int64(nil), m.itemOrder...)
	index := make(map[int64]int, len(m.itemIndex))
	for k, v := range m.itemIndex {
		index[k] = v
	}
	visit := m.visitCounts
	purchase := m.purchaseCounts
	m.mu.Unlock()

	ctx := context.Background()
	col, err := m.db.GetOrCreateCollection(m.collection, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("get recommend matrix collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(items))
	vectors := make(map[int64][]float32, len(items))
	for _, item := range items {
		vec := make([]float32, dim)
		for neighbor, count := range purchase[item] {
			if idx, ok := index[neighbor]; ok {
				vec[idx] += float32(count) * 2 // purchase weighted higher than visit
			}
		}
		for neighbor, count := range visit[item] {
			if idx, ok := index[neighbor]; ok {
				vec[idx] += float32(count)
			}
		}
		normalize(vec)
		vectors[item] = vec

		docs = append(docs, chromem.Document{
			ID:        strconv.FormatInt(item, 10),
			Embedding: vec,
		})
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("rebuild recommend matrix: %w", err)
	}

	m.mu.Lock()
	m.updatesSinceRebuild = 0
	m.vectors = vectors
	m.mu.Unlock()
	return nil
}

// Similar returns up to topK items most similar to item, by cosine
// similarity of their rebuilt co-occurrence vectors.
func (m *ChromemMatrix) Similar(item int64, topK int) ([]int64, error) {
	m.mu.Lock()
	vec, ok := m.vectors[item]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ctx := context.Background()
	col, err := m.db.GetOrCreateCollection(m.collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("get recommend matrix collection: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, vec, topK+1, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query recommend matrix: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })

	out := make([]int64, 0, topK)
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil || id == item {
			continue
		}
		out = append(out, id)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Flush implements RecommendMatrix, persisting the database to disk
// when a persist path was configured.
func (m *ChromemMatrix) Flush() error {
	if m.persistPath == "" {
		return nil
	}
	//nolint:staticcheck // Export is chromem-go's only synchronous persistence entrypoint.
	if err := m.db.Export(m.persistPath, false, ""); err != nil {
		return fmt.Errorf("persist recommend matrix: %w", err)
	}
	return nil
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= norm
	}
}
