// Package recommend implements the Recommend Task Service (spec.md C7):
// user/order ingestion, co-visit/purchase counters, and cron-driven
// flush and similarity-matrix rebuild.
package recommend

import "sync"

// MaxOrderNum bounds the in-memory OrderMap staging size before an
// intermediate flush is forced during order-bundle ingestion.
const MaxOrderNum = 1000

// ItemIdGenerator resolves external item identifiers (the string a
// bundle record carries) to the small integer ids the sub-stores and
// matrix key on.
type ItemIdGenerator interface {
	ResolveItemId(item string) (int64, bool, error)
	AssignItemId(item string) (int64, error)
}

// RecommendMatrix is the purchase/co-visit similarity-matrix
// collaborator. The Service emits co-visit and co-purchase updates into
// it as it records visits and purchases; the build loop periodically
// asks whether it needs rebuilding.
type RecommendMatrix interface {
	RecordCoVisit(a, b int64) error
	RecordCoPurchase(a, b int64) error
	// Stale reports whether enough co-occurrence activity has
	// accumulated since the last Rebuild to warrant another one.
	Stale() bool
	Rebuild() error
	Flush() error
}

// UserStore is the User lifecycle sub-store.
type UserStore interface {
	AddUser(userId string, props map[string]string) error
	UpdateUser(userId string, props map[string]string) error
	RemoveUser(userId string) error
	Flush() error
}

// VisitStore records per-session item visits.
type VisitStore interface {
	RecordVisit(session, userId string, itemId int64, isRecItem bool) error
	Flush() error
}

// PurchaseStore records the user->items link for a completed order.
type PurchaseStore interface {
	RecordPurchase(userId, orderId string, itemIds []int64) error
	Flush() error
}

// CartStore tracks the current cart contents per user.
type CartStore interface {
	UpdateCart(userId string, itemIds []int64) error
	Flush() error
}

// OrderStore durably records every order regardless of whether the
// purchase/query-counter writes for it succeed.
type OrderStore interface {
	RecordOrder(userId, orderId string, itemIds []int64) error
	Flush() error
}

// EventStore records free-form tracked events.
type EventStore interface {
	RecordEvent(add bool, event, userId, item string) error
	Flush() error
}

// RateStore records explicit item ratings.
type RateStore interface {
	RecordRate(userId, item string, rating float64) error
	Flush() error
}

// QueryCounterStore counts item clicks attributed to a search query,
// used to drive query-to-purchase analytics.
type QueryCounterStore interface {
	RecordClick(query string, itemId int64) error
	Flush() error
}

// orderKey identifies one in-progress order during bundle ingestion.
type orderKey struct {
	userId  string
	orderId string
}

// pendingOrder accumulates a single order's items before it is
// written through to the durable stores.
type pendingOrder struct {
	userId    string
	orderId   string
	items     []string
	itemQuery map[string]string // item -> query, for items whose record carried one
}

// OrderMap is the in-memory staging map described in spec.md §3: keyed
// by (user, order-id), bounded by MaxOrderNum, flushed as a whole once
// it reaches capacity so memory never grows unbounded mid-file.
type OrderMap struct {
	mu      sync.Mutex
	entries map[orderKey]*pendingOrder
	order   []orderKey // insertion order, for deterministic flush
}

// NewOrderMap constructs an empty OrderMap.
func NewOrderMap() *OrderMap {
	return &OrderMap{entries: make(map[orderKey]*pendingOrder)}
}

// Add appends item to the order keyed by (userId, orderId), creating
// the entry if it doesn't exist yet. query is recorded against item if
// non-empty. Returns true if the map is now at or above MaxOrderNum
// and should be flushed before continuing.
func (m *OrderMap) Add(userId, orderId, item, query string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderKey{userId: userId, orderId: orderId}
	entry, ok := m.entries[key]
	if !ok {
		entry = &pendingOrder{userId: userId, orderId: orderId}
		m.entries[key] = entry
		m.order = append(m.order, key)
	}
	entry.items = append(entry.items, item)
	if query != "" {
		if entry.itemQuery == nil {
			entry.itemQuery = make(map[string]string)
		}
		entry.itemQuery[item] = query
	}

	return len(m.entries) >= MaxOrderNum
}

// DrainAll removes and returns every staged order, in insertion order.
func (m *OrderMap) DrainAll() []*pendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*pendingOrder, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.entries[key])
	}
	m.entries = make(map[orderKey]*pendingOrder)
	m.order = nil
	return out
}

// Len reports the number of currently staged orders.
func (m *OrderMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
