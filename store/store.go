// Package store provides the SQL-backed persistence SPEC_FULL.md §1 and §6
// name as out-of-core boundaries: routing and address caches behind
// transactional stores, consumed by the routing and service packages but
// never by the COB engine. Grounded on the teacher's core/ledger.go (an
// embedded-DB-backed persistence layer opened once at startup with
// BEGIN/COMMIT/ROLLBACK around each mutation) adapted from BoltDB to
// modernc.org/sqlite, the pure-Go SQL driver already present in the pack
// via other_examples/manifests and used nowhere else in the teacher, making
// it the natural home for §6's "one SQL database for routing, one for
// addresses" requirement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
)

// RoutingStore persists the (repo_id, node_id, last_seen) routing table
// across restarts, per §3 "policies and routing persist across restarts".
type RoutingStore struct {
	db *sql.DB
}

// OpenRoutingStore opens (creating if absent) the routing SQL database at path.
func OpenRoutingStore(path string) (*RoutingStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Storage, "store.routing.open", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS routes (
		repo_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (repo_id, node_id)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.New(errs.Storage, "store.routing.open", fmt.Errorf("create schema: %w", err))
	}
	return &RoutingStore{db: db}, nil
}

func (s *RoutingStore) Close() error { return s.db.Close() }

// Upsert records (repo, node) as seen at ts, inside its own transaction per
// §5's "readers and writers coordinate via BEGIN/COMMIT/ROLLBACK semantics
// with rollback on error".
func (s *RoutingStore) Upsert(ctx context.Context, repo identity.ID, node string, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "store.routing.upsert", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes(repo_id, node_id, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(repo_id, node_id) DO UPDATE SET last_seen = excluded.last_seen`,
		repo.Hex(), node, ts.Unix())
	if err != nil {
		tx.Rollback()
		return errs.New(errs.Storage, "store.routing.upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "store.routing.upsert", err)
	}
	return nil
}

// Remove deletes (repo, node).
func (s *RoutingStore) Remove(ctx context.Context, repo identity.ID, node string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "store.routing.remove", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE repo_id = ? AND node_id = ?`, repo.Hex(), node); err != nil {
		tx.Rollback()
		return errs.New(errs.Storage, "store.routing.remove", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "store.routing.remove", err)
	}
	return nil
}

// Get returns every node routed for repo.
func (s *RoutingStore) Get(ctx context.Context, repo identity.ID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id FROM routes WHERE repo_id = ?`, repo.Hex())
	if err != nil {
		return nil, errs.New(errs.Storage, "store.routing.get", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, errs.New(errs.Storage, "store.routing.get", err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// RoutingRecord is one persisted (repo, node, last_seen) row, used to
// hydrate an in-memory routing.Table at startup.
type RoutingRecord struct {
	Repo     identity.ID
	Node     string
	LastSeen time.Time
}

// LoadAll returns every persisted route, for startup hydration of an
// in-memory routing.Table (§3 "policies and routing persist across
// restarts").
func (s *RoutingStore) LoadAll(ctx context.Context) ([]RoutingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, node_id, last_seen FROM routes`)
	if err != nil {
		return nil, errs.New(errs.Storage, "store.routing.loadall", err)
	}
	defer rows.Close()
	var out []RoutingRecord
	for rows.Next() {
		var (
			repoHex  string
			node     string
			lastUnix int64
		)
		if err := rows.Scan(&repoHex, &node, &lastUnix); err != nil {
			return nil, errs.New(errs.Storage, "store.routing.loadall", err)
		}
		repo, err := identity.HexToID(repoHex)
		if err != nil {
			return nil, errs.New(errs.Storage, "store.routing.loadall", fmt.Errorf("decode repo id %q: %w", repoHex, err))
		}
		out = append(out, RoutingRecord{Repo: repo, Node: node, LastSeen: time.Unix(lastUnix, 0)})
	}
	return out, rows.Err()
}

// PruneOlderThan deletes every route last seen before cutoff, used to mirror
// the in-memory routing.Table's age-based pruning on disk (§4.7).
func (s *RoutingStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.New(errs.Storage, "store.routing.prune", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE last_seen < ?`, cutoff.Unix())
	if err != nil {
		tx.Rollback()
		return 0, errs.New(errs.Storage, "store.routing.prune", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.New(errs.Storage, "store.routing.prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddressStore persists known peer addresses across restarts.
type AddressStore struct {
	db *sql.DB
}

// OpenAddressStore opens (creating if absent) the address SQL database at path.
func OpenAddressStore(path string) (*AddressStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Storage, "store.address.open", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS addresses (
		node_id TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT,
		last_success INTEGER NOT NULL,
		PRIMARY KEY (node_id, host, port)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.New(errs.Storage, "store.address.open", fmt.Errorf("create schema: %w", err))
	}
	return &AddressStore{db: db}, nil
}

func (s *AddressStore) Close() error { return s.db.Close() }

// Record upserts a known-good address for node.
func (s *AddressStore) Record(ctx context.Context, node, host string, port uint16, protocol string, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "store.address.record", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO addresses(node_id, host, port, protocol, last_success) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(node_id, host, port) DO UPDATE SET last_success = excluded.last_success, protocol = excluded.protocol`,
		node, host, port, protocol, ts.Unix())
	if err != nil {
		tx.Rollback()
		return errs.New(errs.Storage, "store.address.record", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "store.address.record", err)
	}
	return nil
}

// AddressRecord is one known (host, port, protocol) for a node.
type AddressRecord struct {
	Host        string
	Port        uint16
	Protocol    string
	LastSuccess time.Time
}

// List returns every known address for node, most recently successful first.
func (s *AddressStore) List(ctx context.Context, node string) ([]AddressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, port, protocol, last_success FROM addresses WHERE node_id = ? ORDER BY last_success DESC`, node)
	if err != nil {
		return nil, errs.New(errs.Storage, "store.address.list", err)
	}
	defer rows.Close()
	var out []AddressRecord
	for rows.Next() {
		var (
			rec      AddressRecord
			protocol sql.NullString
			lastUnix int64
		)
		if err := rows.Scan(&rec.Host, &rec.Port, &protocol, &lastUnix); err != nil {
			return nil, errs.New(errs.Storage, "store.address.list", err)
		}
		rec.Protocol = protocol.String
		rec.LastSuccess = time.Unix(lastUnix, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
