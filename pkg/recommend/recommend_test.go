package recommend

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeItemIds is a minimal in-memory ItemIdGenerator for tests that
// don't need sqlite's durability.
type fakeItemIds struct {
	mu   sync.Mutex
	next int64
	ids  map[string]int64
}

func newFakeItemIds() *fakeItemIds {
	return &fakeItemIds{ids: make(map[string]int64)}
}

func (f *fakeItemIds) ResolveItemId(item string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[item]
	return id, ok, nil
}

func (f *fakeItemIds) AssignItemId(item string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.ids[item]; ok {
		return id, nil
	}
	f.next++
	f.ids[item] = f.next
	return f.next, nil
}

// fakeStores is an in-memory, error-injectable implementation of every
// recommend sub-store, used to exercise Service without sqlite.
type fakeStores struct {
	mu sync.Mutex

	visits    []string
	purchases []string
	carts     map[string][]int64
	orders    []string
	events    []string
	rates     []string
	clicks    []string

	failOrder   bool
	failPurch   bool
	failQuery   bool
	flushCalled int
}

func newFakeStores() *fakeStores {
	return &fakeStores{carts: make(map[string][]int64)}
}

func (f *fakeStores) AddUser(userId string, props map[string]string) error    { return nil }
func (f *fakeStores) UpdateUser(userId string, props map[string]string) error { return nil }
func (f *fakeStores) RemoveUser(userId string) error                         { return nil }

func (f *fakeStores) RecordVisit(session, userId string, itemId int64, isRecItem bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, fmt.Sprintf("%s/%s/%d/%v", session, userId, itemId, isRecItem))
	return nil
}

func (f *fakeStores) RecordPurchase(userId, orderId string, itemIds []int64) error {
	if f.failPurch {
		return fmt.Errorf("injected purchase failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, fmt.Sprintf("%s/%s/%v", userId, orderId, itemIds))
	return nil
}

func (f *fakeStores) UpdateCart(userId string, itemIds []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carts[userId] = itemIds
	return nil
}

func (f *fakeStores) RecordOrder(userId, orderId string, itemIds []int64) error {
	if f.failOrder {
		return fmt.Errorf("injected order failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, fmt.Sprintf("%s/%s/%v", userId, orderId, itemIds))
	return nil
}

func (f *fakeStores) RecordEvent(add bool, event, userId, item string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("%v/%s/%s/%s", add, event, userId, item))
	return nil
}

func (f *fakeStores) RecordRate(userId, item string, rating float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, fmt.Sprintf("%s/%s/%.1f", userId, item, rating))
	return nil
}

func (f *fakeStores) RecordClick(query string, itemId int64) error {
	if f.failQuery {
		return fmt.Errorf("injected query-click failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, fmt.Sprintf("%s/%d", query, itemId))
	return nil
}

func (f *fakeStores) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalled++
	return nil
}

// fakeMatrix is a no-op RecommendMatrix stand-in for tests that don't
// exercise similarity rebuilding directly.
type fakeMatrix struct {
	mu         sync.Mutex
	pairs      int
	rebuilds   int
	flushes    int
	staleAfter int
}

func (m *fakeMatrix) RecordCoVisit(a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs++
	return nil
}

func (m *fakeMatrix) RecordCoPurchase(a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs++
	return nil
}

func (m *fakeMatrix) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleAfter > 0 && m.pairs >= m.staleAfter
}

func (m *fakeMatrix) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilds++
	return nil
}

func (m *fakeMatrix) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func newTestService(t *testing.T, stores *fakeStores, matrix RecommendMatrix) *Service {
	t.Helper()
	s, err := New(Config{
		CollectionName: "shop",
		Stores: Stores{
			Items:     newFakeItemIds(),
			Users:     stores,
			Visits:    stores,
			Purchases: stores,
			Carts:     stores,
			Orders:    stores,
			Events:    stores,
			Rates:     stores,
			Queries:   stores,
		},
		Matrix: matrix,
	})
	require.NoError(t, err)
	return s
}

func TestVisitItemRequiresSession(t *testing.T) {
	stores := newFakeStores()
	svc := newTestService(t, stores, &fakeMatrix{})

	assert.False(t, svc.VisitItem("", "user-1", "item-1", false))
	assert.True(t, svc.VisitItem("sess-1", "user-1", "item-1", true))
	assert.Len(t, stores.visits, 1)
}

func TestVisitItemRecordsCoVisitAgainstSessionHistory(t *testing.T) {
	stores := newFakeStores()
	matrix := &fakeMatrix{}
	svc := newTestService(t, stores, matrix)

	assert.True(t, svc.VisitItem("sess-1", "user-1", "item-a", false))
	assert.Equal(t, 0, matrix.pairs, "first visit in a session has no prior item to pair against")

	assert.True(t, svc.VisitItem("sess-1", "user-1", "item-b", false))
	assert.Equal(t, 1, matrix.pairs, "second visit pairs against the first")

	assert.True(t, svc.VisitItem("sess-1", "user-1", "item-c", false))
	assert.Equal(t, 3, matrix.pairs, "third visit pairs against both prior items")

	assert.True(t, svc.VisitItem("sess-2", "user-2", "item-a", false))
	assert.Equal(t, 3, matrix.pairs, "a different session starts its own history")
}

func TestPurchaseItemHappyPath(t *testing.T) {
	stores := newFakeStores()
	matrix := &fakeMatrix{}
	svc := newTestService(t, stores, matrix)

	ok := svc.PurchaseItem("user-1", "order-1", []string{"item-a", "item-b", "item-c"})
	assert.True(t, ok)
	assert.Len(t, stores.orders, 1)
	assert.Len(t, stores.purchases, 1)
	assert.Equal(t, 3, matrix.pairs, "3 items form 3 co-purchase pairs")
}

func TestUpdateCartAndTrackEventAndRateItem(t *testing.T) {
	stores := newFakeStores()
	svc := newTestService(t, stores, &fakeMatrix{})

	assert.True(t, svc.UpdateCart("user-1", []string{"item-a", "item-b"}))
	assert.Len(t, stores.carts["user-1"], 2)

	assert.True(t, svc.TrackEvent(true, "wishlist", "user-1", "item-a"))
	assert.Len(t, stores.events, 1)

	assert.True(t, svc.RateItem("user-1", "item-a", 4.5))
	assert.Len(t, stores.rates, 1)
}

// TestSaveOrderAndReducesSavedFlag verifies spec.md §4.7's invariant:
// order/purchase/query-counter writes are each attempted independently,
// and the reported saved flag is the AND of all three outcomes.
func TestSaveOrderAndReducesSavedFlag(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		stores := newFakeStores()
		svc := newTestService(t, stores, &fakeMatrix{})
		ok := svc.saveOrder("user-1", "order-1", []string{"item-a"}, map[string]string{"item-a": "red shoes"})
		assert.True(t, ok)
		assert.Len(t, stores.orders, 1)
		assert.Len(t, stores.purchases, 1)
		assert.Len(t, stores.clicks, 1)
	})

	t.Run("order write fails but purchase and query still attempted", func(t *testing.T) {
		stores := newFakeStores()
		stores.failOrder = true
		svc := newTestService(t, stores, &fakeMatrix{})
		ok := svc.saveOrder("user-1", "order-2", []string{"item-a"}, map[string]string{"item-a": "red shoes"})
		assert.False(t, ok)
		assert.Empty(t, stores.orders)
		assert.Len(t, stores.purchases, 1, "purchase write is independent of order write")
		assert.Len(t, stores.clicks, 1, "query-click write is independent of order write")
	})

	t.Run("purchase write fails but order and query still attempted", func(t *testing.T) {
		stores := newFakeStores()
		stores.failPurch = true
		svc := newTestService(t, stores, &fakeMatrix{})
		ok := svc.saveOrder("user-1", "order-3", []string{"item-a"}, map[string]string{"item-a": "red shoes"})
		assert.False(t, ok)
		assert.Len(t, stores.orders, 1)
		assert.Empty(t, stores.purchases)
		assert.Len(t, stores.clicks, 1)
	})

	t.Run("query write fails but order and purchase still saved", func(t *testing.T) {
		stores := newFakeStores()
		stores.failQuery = true
		svc := newTestService(t, stores, &fakeMatrix{})
		ok := svc.saveOrder("user-1", "order-4", []string{"item-a"}, map[string]string{"item-a": "red shoes"})
		assert.False(t, ok)
		assert.Len(t, stores.orders, 1)
		assert.Len(t, stores.purchases, 1)
		assert.Empty(t, stores.clicks)
	})
}

// TestOrderMapFlushesAtCapacity exercises the staging bound: pushing
// past MaxOrderNum distinct order-ids must report an overflow signal
// so the caller can drain before memory grows further, and every
// order, including ones added after an intermediate drain, must
// eventually be recoverable.
func TestOrderMapFlushesAtCapacity(t *testing.T) {
	orders := NewOrderMap()

	var flushedCount int
	var intermediateFlushes int
	for i := 0; i < 1500; i++ {
		orderId := fmt.Sprintf("order-%d", i)
		if orders.Add("user-1", orderId, "item-a", "") {
			intermediateFlushes++
			flushedCount += len(orders.DrainAll())
		}
	}
	flushedCount += len(orders.DrainAll())

	assert.Positive(t, intermediateFlushes, "1500 distinct orders must trigger at least one intermediate flush at MaxOrderNum")
	assert.Equal(t, 1500, flushedCount, "every staged order must eventually be drained exactly once")
}

// TestOrderMapDrainAllIsExhaustive confirms DrainAll empties the map
// and returns every entry added since the last drain.
func TestOrderMapDrainAllIsExhaustive(t *testing.T) {
	orders := NewOrderMap()
	orders.Add("user-1", "order-1", "item-a", "")
	orders.Add("user-1", "order-1", "item-b", "shoes")
	orders.Add("user-2", "order-2", "item-c", "")

	assert.Equal(t, 2, orders.Len())

	drained := orders.DrainAll()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, orders.Len())

	byOrder := make(map[string]*pendingOrder, len(drained))
	for _, p := range drained {
		byOrder[p.orderId] = p
	}
	require.Contains(t, byOrder, "order-1")
	assert.Equal(t, []string{"item-a", "item-b"}, byOrder["order-1"].items)
	assert.Equal(t, "shoes", byOrder["order-1"].itemQuery["item-b"])
}

// TestCronTickSkipsWhileBuildInProgress covers spec.md §8 scenario 4: a
// cron tick landing while buildCollection already holds the mutex must
// log and skip rather than block or mutate any store.
func TestCronTickSkipsWhileBuildInProgress(t *testing.T) {
	stores := newFakeStores()
	svc := newTestService(t, stores, &fakeMatrix{})

	svc.buildMu.Lock()
	svc.cronTick()
	svc.buildMu.Unlock()

	assert.Zero(t, stores.flushCalled, "a skipped tick must not flush any store")
}

// TestCronTickFlushesAndRebuildsWhenStale confirms the non-contended
// path: flush every store, and rebuild the matrix only if Stale.
func TestCronTickFlushesAndRebuildsWhenStale(t *testing.T) {
	stores := newFakeStores()
	matrix := &fakeMatrix{staleAfter: 1, pairs: 1}
	svc := newTestService(t, stores, matrix)

	svc.cronTick()

	// One fake backs all eight sub-stores, and each is flushed once.
	assert.Equal(t, 8, stores.flushCalled)
	assert.Equal(t, 1, matrix.rebuilds)
	assert.Equal(t, 1, matrix.flushes)
}

func TestCronTickSkipsRebuildWhenNotStale(t *testing.T) {
	stores := newFakeStores()
	matrix := &fakeMatrix{staleAfter: 1000}
	svc := newTestService(t, stores, matrix)

	svc.cronTick()

	assert.Equal(t, 8, stores.flushCalled)
	assert.Zero(t, matrix.rebuilds)
}

// TestCronConstructionWithValidExpression: wiring a real cron.Cron with a
// sub-minute expression isn't possible with the standard 5-field parser
// robfig/cron uses by default, so this only checks construction/Stop
// don't panic when a valid expression is supplied.
func TestCronConstructionWithValidExpression(t *testing.T) {
	stores := newFakeStores()
	svc, err := New(Config{
		CollectionName: "shop",
		Stores: Stores{
			Items:     newFakeItemIds(),
			Users:     stores,
			Visits:    stores,
			Purchases: stores,
			Carts:     stores,
			Orders:    stores,
			Events:    stores,
			Rates:     stores,
			Queries:   stores,
		},
		Matrix:   &fakeMatrix{},
		CronExpr: "0 0 * * *",
	})
	require.NoError(t, err)
	defer svc.Stop()
	assert.NotNil(t, svc.cron)
}

func TestCronConstructionRejectsInvalidExpression(t *testing.T) {
	stores := newFakeStores()
	_, err := New(Config{
		CollectionName: "shop",
		Stores: Stores{
			Items:     newFakeItemIds(),
			Users:     stores,
			Visits:    stores,
			Purchases: stores,
			Carts:     stores,
			Orders:    stores,
			Events:    stores,
			Rates:     stores,
			Queries:   stores,
		},
		Matrix:   &fakeMatrix{},
		CronExpr: "not a cron expression",
	})
	assert.Error(t, err)
}

func TestItemIdAssignmentIsIdempotent(t *testing.T) {
	ids := newFakeItemIds()
	a, err := ids.AssignItemId("widget")
	require.NoError(t, err)
	b, err := ids.AssignItemId("widget")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, ok, err := ids.ResolveItemId("unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateItemRecordsEveryConcurrentWrite(t *testing.T) {
	// Guards against a regression where RateItem's underlying store call
	// silently drops concurrent writes for the same user under load.
	stores := newFakeStores()
	svc := newTestService(t, stores, &fakeMatrix{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.RateItem("user-1", fmt.Sprintf("item-%d", i), float64(i))
		}(i)
	}
	wg.Wait()

	assert.Len(t, stores.rates, 20)
}

func TestFakeMatrixStaleThresholdBoundary(t *testing.T) {
	m := &fakeMatrix{staleAfter: 3}
	assert.False(t, m.Stale())
	require.NoError(t, m.RecordCoVisit(1, 2))
	require.NoError(t, m.RecordCoVisit(1, 3))
	assert.False(t, m.Stale())
	require.NoError(t, m.RecordCoVisit(1, 4))
	assert.True(t, m.Stale())
}
