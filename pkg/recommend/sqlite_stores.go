package recommend

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStores is the default backing store for every recommend
// sub-store plus the item-id generator, grounded on
// Yakitrak-obsidian-cli's single-database-handle, EnsureSchema-on-open
// pattern: one sqlite file, one table per concern, upserts via
// `ON CONFLICT ... DO UPDATE`.
type SQLiteStores struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteStores opens (creating if needed) the recommend database at
// <dataDir>/recommend.db and ensures its schema.
func OpenSQLiteStores(dataDir string) (*SQLiteStores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recommend data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "recommend.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open recommend db: %w", err)
	}

	s := &SQLiteStores{db: db, logger: log.WithComponent("recommend-sqlite")}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStores) ensureSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS items (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			name  TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id     TEXT PRIMARY KEY,
			properties  TEXT NOT NULL DEFAULT '',
			updated_at  INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS visits (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			item_id     INTEGER NOT NULL,
			is_rec_item INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_visits_item ON visits(item_id);`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			order_id   TEXT NOT NULL,
			item_id    INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_order ON purchases(order_id);`,
		`CREATE TABLE IF NOT EXISTS carts (
			user_id    TEXT PRIMARY KEY,
			item_ids   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id   TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			item_ids   TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event      TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			item       TEXT NOT NULL,
			active     INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rates (
			user_id    TEXT NOT NULL,
			item       TEXT NOT NULL,
			rating     REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, item)
		);`,
		`CREATE TABLE IF NOT EXISTS query_clicks (
			query      TEXT NOT NULL,
			item_id    INTEGER NOT NULL,
			clicks     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (query, item_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure recommend schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStores) Close() error { return s.db.Close() }

// ResolveItemId implements ItemIdGenerator.
func (s *SQLiteStores) ResolveItemId(item string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM items WHERE name = ?`, item).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AssignItemId implements ItemIdGenerator, assigning a new id if item
// is unseen or returning its existing one idempotently.
func (s *SQLiteStores) AssignItemId(item string) (int64, error) {
	if id, ok, err := s.ResolveItemId(item); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	res, err := s.db.Exec(`INSERT INTO items (name) VALUES (?)`, item)
	if err != nil {
		// Lost a race with a concurrent assigner; resolve instead of failing.
		if id, ok, rerr := s.ResolveItemId(item); rerr == nil && ok {
			return id, nil
		}
		return 0, fmt.Errorf("assign item id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddUser implements UserStore.
func (s *SQLiteStores) AddUser(userId string, props map[string]string) error {
	return s.UpdateUser(userId, props)
}

// UpdateUser implements UserStore.
func (s *SQLiteStores) UpdateUser(userId string, props map[string]string) error {
	_, err := s.db.Exec(`
		INSERT INTO users (user_id, properties, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET properties = excluded.properties, updated_at = excluded.updated_at
	`, userId, encodeProps(props), time.Now().Unix())
	return err
}

// RemoveUser implements UserStore.
func (s *SQLiteStores) RemoveUser(userId string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE user_id = ?`, userId)
	return err
}

// RecordVisit implements VisitStore.
func (s *SQLiteStores) RecordVisit(session, userId string, itemId int64, isRecItem bool) error {
	_, err := s.db.Exec(`
		INSERT INTO visits (session, user_id, item_id, is_rec_item, created_at) VALUES (?, ?, ?, ?, ?)
	`, session, userId, itemId, boolToInt(isRecItem), time.Now().Unix())
	return err
}

// RecordPurchase implements PurchaseStore.
func (s *SQLiteStores) RecordPurchase(userId, orderId string, itemIds []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, id := range itemIds {
		if _, err := tx.Exec(`INSERT INTO purchases (user_id, order_id, item_id, created_at) VALUES (?, ?, ?, ?)`,
			userId, orderId, id, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpdateCart implements CartStore.
func (s *SQLiteStores) UpdateCart(userId string, itemIds []int64) error {
	_, err := s.db.Exec(`
		INSERT INTO carts (user_id, item_ids, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET item_ids = excluded.item_ids, updated_at = excluded.updated_at
	`, userId, encodeIds(itemIds), time.Now().Unix())
	return err
}

// RecordOrder implements OrderStore.
func (s *SQLiteStores) RecordOrder(userId, orderId string, itemIds []int64) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (order_id, user_id, item_ids, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET item_ids = excluded.item_ids
	`, orderId, userId, encodeIds(itemIds), time.Now().Unix())
	return err
}

// RecordEvent implements EventStore.
func (s *SQLiteStores) RecordEvent(add bool, event, userId, item string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (event, user_id, item, active, created_at) VALUES (?, ?, ?, ?, ?)
	`, event, userId, item, boolToInt(add), time.Now().Unix())
	return err
}

// RecordRate implements RateStore.
func (s *SQLiteStores) RecordRate(userId, item string, rating float64) error {
	_, err := s.db.Exec(`
		INSERT INTO rates (user_id, item, rating, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, item) DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at
	`, userId, item, rating, time.Now().Unix())
	return err
}

// RecordClick implements QueryCounterStore.
func (s *SQLiteStores) RecordClick(query string, itemId int64) error {
	_, err := s.db.Exec(`
		INSERT INTO query_clicks (query, item_id, clicks) VALUES (?, ?, 1)
		ON CONFLICT(query, item_id) DO UPDATE SET clicks = clicks + 1
	`, query, itemId)
	return err
}

// Flush is a no-op for every sub-store method above: each write is its
// own committed sqlite transaction already. Kept to satisfy every
// sub-store interface uniformly.
func (s *SQLiteStores) Flush() error { return nil }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeIds(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

func encodeProps(props map[string]string) string {
	parts := make([]string, 0, len(props))
	for k, v := range props {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}
