package recommend

import (
	"fmt"
	"sync"

	"github.com/baby/sf1r-lite/pkg/bundle"
	"github.com/baby/sf1r-lite/pkg/directory"
	"github.com/baby/sf1r-lite/pkg/events"
	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/metrics"
	"github.com/baby/sf1r-lite/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Stores bundles every sub-store the Service writes through.
type Stores struct {
	Items     ItemIdGenerator
	Users     UserStore
	Visits    VisitStore
	Purchases PurchaseStore
	Carts     CartStore
	Orders    OrderStore
	Events    EventStore
	Rates     RateStore
	Queries   QueryCounterStore
}

// Config configures a new Service.
type Config struct {
	CollectionName string
	Stores         Stores
	Matrix         RecommendMatrix
	Dirs           *directory.Pair
	UserBundleDir  func() string
	OrderBundleDir func() string
	Broker         *events.Broker
	CronExpr       string // user-supplied cron expression; empty disables the loop
}

// recentVisitWindow bounds how many of a session's most recent items are
// paired against a newly-visited item when emitting co-visit updates, so
// a long-lived session can't make one visit record against its entire
// history.
const recentVisitWindow = 10

// Service is the Recommend Task Service for one collection.
type Service struct {
	collectionName string
	stores         Stores
	matrix         RecommendMatrix
	dirs           *directory.Pair
	userBundleDir  func() string
	orderBundleDir func() string
	broker         *events.Broker

	userScanner  *bundle.Scanner
	orderScanner *bundle.Scanner

	buildMu sync.Mutex
	cron    *cron.Cron
	cronID  cron.EntryID

	visitMu      sync.Mutex
	recentVisits map[string][]int64 // session -> recently visited item-ids

	logger zerolog.Logger
}

// New constructs a Service from cfg and starts its cron loop if
// cfg.CronExpr is non-empty.
func New(cfg Config) (*Service, error) {
	s := &Service{
		collectionName: cfg.CollectionName,
		stores:         cfg.Stores,
		matrix:         cfg.Matrix,
		dirs:           cfg.Dirs,
		userBundleDir:  cfg.UserBundleDir,
		orderBundleDir: cfg.OrderBundleDir,
		broker:         cfg.Broker,
		userScanner:    bundle.NewScanner(),
		orderScanner:   bundle.NewScanner(),
		recentVisits:   make(map[string][]int64),
		logger:         log.WithComponent("recommend-service").With().Str("collection", cfg.CollectionName).Logger(),
	}

	if cfg.CronExpr != "" {
		s.cron = cron.New()
		id, err := s.cron.AddFunc(cfg.CronExpr, s.cronTick)
		if err != nil {
			return nil, fmt.Errorf("parse recommend cron expression: %w", err)
		}
		s.cronID = id
		s.cron.Start()
	}

	return s, nil
}

// Stop halts the cron loop, if running.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// cronTick is the 60-second-granularity callback: a non-blocking
// try-acquire of buildCollectionMutex, per spec.md §4.7/§5. If the
// mutex is held (a bulk build is in progress), the tick is skipped
// entirely — no store mutation happens.
func (s *Service) cronTick() {
	if !s.buildMu.TryLock() {
		s.logger.Info().Msg("exit recommend cron job")
		metrics.RecommendCronSkippedTotal.WithLabelValues(s.collectionName).Inc()
		return
	}
	defer s.buildMu.Unlock()

	if err := s.flushAll(); err != nil {
		s.logger.Error().Err(err).Msg("recommend cron flush failed")
	}

	if s.matrix != nil && s.matrix.Stale() {
		if err := s.matrix.Rebuild(); err != nil {
			s.logger.Error().Err(err).Msg("recommend cron matrix rebuild failed")
			return
		}
		if err := s.matrix.Flush(); err != nil {
			s.logger.Error().Err(err).Msg("recommend cron matrix flush failed")
			return
		}
		metrics.SimilarityMatrixRebuildsTotal.WithLabelValues(s.collectionName).Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventMatrixRebuilt, CollectionName: s.collectionName})
		}
	}
}

func (s *Service) flushAll() error {
	flushers := []func() error{s.stores.Users.Flush, s.stores.Visits.Flush, s.stores.Purchases.Flush,
		s.stores.Carts.Flush, s.stores.Orders.Flush, s.stores.Events.Flush, s.stores.Rates.Flush, s.stores.Queries.Flush}
	var firstErr error
	for _, flush := range flushers {
		if err := flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// VisitItem implements the visitItem operation: requires a non-empty
// session, resolves item to an item-id (assigning one if unseen), records
// the visit, and pairs the item against the session's recent visit
// history to emit co-visit updates to the matrix.
func (s *Service) VisitItem(session, userId, item string, isRecItem bool) bool {
	if session == "" {
		return false
	}
	itemId, err := s.stores.Items.AssignItemId(item)
	if err != nil {
		s.logger.Error().Err(err).Str("item", item).Msg("failed to resolve item id for visit")
		return false
	}
	if err := s.stores.Visits.RecordVisit(session, userId, itemId, isRecItem); err != nil {
		s.logger.Error().Err(err).Msg("failed to record visit")
		return false
	}
	s.recordCoVisit(session, itemId)
	metrics.RecommendEventsTotal.WithLabelValues(s.collectionName, "visit").Inc()
	return true
}

// recordCoVisit pairs itemId against the given session's recently visited
// items, emitting a RecordCoVisit update to the matrix for each pair, then
// appends itemId to the session's history, trimmed to recentVisitWindow.
func (s *Service) recordCoVisit(session string, itemId int64) {
	if s.matrix == nil {
		return
	}
	s.visitMu.Lock()
	defer s.visitMu.Unlock()

	recent := s.recentVisits[session]
	for _, prior := range recent {
		if prior == itemId {
			continue
		}
		if err := s.matrix.RecordCoVisit(prior, itemId); err != nil {
			s.logger.Error().Err(err).Msg("failed to record co-visit")
		}
	}

	recent = append(recent, itemId)
	if len(recent) > recentVisitWindow {
		recent = recent[len(recent)-recentVisitWindow:]
	}
	s.recentVisits[session] = recent
}

// PurchaseItem implements the purchaseItem operation outside of bulk
// build: every item must resolve to an item-id or the whole order is
// rejected; otherwise behaves like saveOrder (order/purchase/query
// writes attempted independently, AND-reduced saved flag).
func (s *Service) PurchaseItem(userId, orderId string, items []string) bool {
	saved := s.saveOrder(userId, orderId, items, nil)
	if saved {
		metrics.RecommendEventsTotal.WithLabelValues(s.collectionName, "purchase").Inc()
	}
	return saved
}

// UpdateCart implements the updateCart operation.
func (s *Service) UpdateCart(userId string, items []string) bool {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := s.stores.Items.AssignItemId(item)
		if err != nil {
			s.logger.Error().Err(err).Str("item", item).Msg("failed to resolve item id for cart update")
			return false
		}
		ids = append(ids, id)
	}
	if err := s.stores.Carts.UpdateCart(userId, ids); err != nil {
		s.logger.Error().Err(err).Msg("failed to update cart")
		return false
	}
	return true
}

// TrackEvent implements the trackEvent operation.
func (s *Service) TrackEvent(add bool, event, userId, item string) bool {
	if err := s.stores.Events.RecordEvent(add, event, userId, item); err != nil {
		s.logger.Error().Err(err).Msg("failed to record event")
		return false
	}
	metrics.RecommendEventsTotal.WithLabelValues(s.collectionName, "event").Inc()
	return true
}

// RateItem implements the rateItem operation.
func (s *Service) RateItem(userId, item string, rating float64) bool {
	if err := s.stores.Rates.RecordRate(userId, item, rating); err != nil {
		s.logger.Error().Err(err).Msg("failed to record rating")
		return false
	}
	metrics.RecommendEventsTotal.WithLabelValues(s.collectionName, "rate").Inc()
	return true
}

// AddUser, UpdateUser, RemoveUser implement the User lifecycle operations.
func (s *Service) AddUser(userId string, props map[string]string) bool {
	return s.logUserOp(s.stores.Users.AddUser(userId, props), "add user")
}

func (s *Service) UpdateUser(userId string, props map[string]string) bool {
	return s.logUserOp(s.stores.Users.UpdateUser(userId, props), "update user")
}

func (s *Service) RemoveUser(userId string) bool {
	return s.logUserOp(s.stores.Users.RemoveUser(userId), "remove user")
}

func (s *Service) logUserOp(err error, op string) bool {
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to " + op)
		return false
	}
	return true
}

// saveOrder implements spec.md §4.7's order-saving invariants: every
// item must resolve to an item-id or the whole order is rejected. The
// order store always records the order; the purchase store and
// query-counter writes are attempted independently of each other, and
// the reported saved flag is the AND of all three outcomes.
func (s *Service) saveOrder(userId, orderId string, items []string, itemQuery map[string]string) bool {
	itemIds := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := s.stores.Items.AssignItemId(item)
		if err != nil {
			s.logger.Error().Err(err).Str("item", item).Str("order", orderId).Msg("order rejected: item id resolution failed")
			return false
		}
		itemIds = append(itemIds, id)
	}

	savedOrder := true
	if err := s.stores.Orders.RecordOrder(userId, orderId, itemIds); err != nil {
		s.logger.Error().Err(err).Str("order", orderId).Msg("failed to record order")
		savedOrder = false
	}

	savedPurchase := true
	if err := s.stores.Purchases.RecordPurchase(userId, orderId, itemIds); err != nil {
		s.logger.Error().Err(err).Str("order", orderId).Msg("failed to record purchase")
		savedPurchase = false
	} else if s.matrix != nil {
		for i := 0; i < len(itemIds); i++ {
			for j := i + 1; j < len(itemIds); j++ {
				_ = s.matrix.RecordCoPurchase(itemIds[i], itemIds[j])
			}
		}
	}

	savedQuery := true
	for i, item := range items {
		query, ok := itemQuery[item]
		if !ok || query == "" {
			continue
		}
		if err := s.stores.Queries.RecordClick(query, itemIds[i]); err != nil {
			s.logger.Error().Err(err).Str("order", orderId).Msg("failed to record query click")
			savedQuery = false
		}
	}

	return savedOrder && savedPurchase && savedQuery
}

// BuildCollection implements the bulk-ingest operation (spec.md §4.7).
// It holds buildCollectionMutex for its full duration, so cron ticks
// that land during it are skipped rather than queued.
func (s *Service) BuildCollection() error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	guard, err := directory.AcquireGuard(s.dirs.Current())
	if err != nil {
		return fmt.Errorf("acquire recommend directory guard: %w", err)
	}
	var writeErr error
	defer func() { guard.Release(writeErr) }()

	if err := s.dirs.Backup(); err != nil {
		s.logger.Error().Err(err).Msg("recommend directory backup failed")
	}

	timer := metrics.NewTimer()

	if err := s.ingestUserBundles(); err != nil {
		return fmt.Errorf("ingest user bundles: %w", err)
	}
	if err := s.ingestOrderBundles(); err != nil {
		return fmt.Errorf("ingest order bundles: %w", err)
	}

	if err := s.stores.Orders.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush order store")
	}
	if err := s.stores.Purchases.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush purchase store")
	}

	if s.matrix != nil {
		if err := s.matrix.Rebuild(); err != nil {
			writeErr = err
			return fmt.Errorf("rebuild recommend matrix: %w", err)
		}
		if err := s.matrix.Flush(); err != nil {
			writeErr = err
			return fmt.Errorf("flush recommend matrix: %w", err)
		}
	}

	timer.ObserveDurationVec(metrics.RecommendBuildDuration, s.collectionName)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRecommendFlushed, CollectionName: s.collectionName})
	}
	return nil
}

func (s *Service) ingestUserBundles() error {
	dir := s.userBundleDir()
	files, err := s.userScanner.Scan(dir)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := s.dispatchUserFile(f); err != nil {
			s.logger.Error().Str("file", f.Name).Err(err).Msg("skipping malformed user bundle file")
			continue
		}
	}
	if err := s.stores.Users.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("failed to flush user store")
	}
	return s.userScanner.Backup(dir, files)
}

func (s *Service) dispatchUserFile(f bundle.File) error {
	if f.Op == types.BundleDelete {
		ids, err := bundle.ParseDeletes(f)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !s.RemoveUser(id) {
				s.logger.Warn().Str("user", id).Msg("failed to remove user during bulk build")
			}
		}
		return nil
	}

	pf, err := bundle.Parse(f)
	if err != nil {
		return err
	}
	defer pf.Close()

	for {
		rec, err := pf.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		props := make(map[string]string, len(rec.Fields))
		for _, field := range rec.Fields {
			props[field.Name] = field.Value
		}
		if f.Op == types.BundleInsert {
			s.AddUser(rec.Key, props)
		} else {
			s.UpdateUser(rec.Key, props)
		}
	}
	return nil
}

func (s *Service) ingestOrderBundles() error {
	dir := s.orderBundleDir()
	files, err := s.orderScanner.Scan(dir)
	if err != nil {
		return err
	}

	orders := NewOrderMap()
	for _, f := range files {
		if f.Op != types.BundleInsert {
			s.logger.Warn().Str("file", f.Name).Str("op", string(f.Op)).Msg("rejecting non-insert order bundle")
			continue
		}
		if err := s.dispatchOrderFile(f, orders); err != nil {
			s.logger.Error().Str("file", f.Name).Err(err).Msg("skipping malformed order bundle file")
		}
	}

	s.flushOrderMap(orders)
	return s.orderScanner.Backup(dir, files)
}

// dispatchOrderFile parses one order bundle's records and stages or
// immediately saves each, per spec.md §4.7 step 3, then drains the
// staging map once the file has been parsed to its end.
func (s *Service) dispatchOrderFile(f bundle.File, orders *OrderMap) error {
	pf, err := bundle.Parse(f)
	if err != nil {
		return err
	}
	defer pf.Close()

	for {
		rec, err := pf.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}

		raw := rec.ToRawDocument()
		userId, _ := raw.Get("USERID")
		orderId, _ := raw.Get("ORDERID")
		item, hasItem := raw.Get("ITEM")
		if !hasItem {
			item = rec.Key
		}
		query, _ := raw.Get("QUERY")

		if orderId == "" {
			s.saveOrder(userId, rec.Key, []string{item}, map[string]string{item: query})
			continue
		}

		if full := orders.Add(userId, orderId, item, query); full {
			s.flushOrderMap(orders)
		}
	}
	s.flushOrderMap(orders)
	return nil
}

// flushOrderMap drains every staged order and writes it through
// saveOrder, guaranteeing every accumulated order is persisted before
// the enclosing file finishes parsing (spec.md §8).
func (s *Service) flushOrderMap(orders *OrderMap) {
	for _, pending := range orders.DrainAll() {
		s.saveOrder(pending.userId, pending.orderId, pending.items, pending.itemQuery)
	}
}
