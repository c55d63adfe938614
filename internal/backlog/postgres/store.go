// Package postgres implements the relational backlog client.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracelab/traffic-harvester/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// failedSentinel marks a row terminal without artifacts after exhausted
// retries. Later scans skip rows carrying it.
const failedSentinel = "error"

// StoreConfig controls the Postgres connection pool backing the backlog.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Source binds one backlog table to its domain.
type Source struct {
	Table  string
	Domain string
}

// Store reads pending rows and writes terminal outcomes. All writes use a
// conditional update guarded on the completion column, so concurrent
// orchestration runs cannot both claim the same row.
type Store struct {
	pool    querier
	sources map[string]Source
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg StoreConfig, sources map[string]Source) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("backlog.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, sources)
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier, sources map[string]Source) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, sources)
}

func newStore(pool querier, sources map[string]Source) (*Store, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	for name, src := range sources {
		if !validTableName.MatchString(src.Table) {
			return nil, fmt.Errorf("source %q: invalid table name %q", name, src.Table)
		}
	}
	return &Store{pool: pool, sources: sources}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) sourceFor(name string) (Source, error) {
	src, ok := s.sources[name]
	if !ok {
		return Source{}, fmt.Errorf("unknown source %q", name)
	}
	return src, nil
}

// FetchBatch returns up to limit unclaimed rows for a source in ascending id
// order. The fetch has no side effect on the rows; claiming happens only at
// completion time, so re-fetching after a crash is safe.
func (s *Store) FetchBatch(ctx context.Context, source string, limit int) ([]ingest.WorkItem, error) {
	src, err := s.sourceFor(source)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT id, url
FROM %s
WHERE (pcap_path IS NULL OR pcap_path = '')
  AND url IS NOT NULL AND url <> ''
ORDER BY id
LIMIT $1`, src.Table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch batch from %s: %w", src.Table, err)
	}
	defer rows.Close()

	var items []ingest.WorkItem
	for rows.Next() {
		var (
			id  int64
			url string
		)
		if err := rows.Scan(&id, &url); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		items = append(items, ingest.WorkItem{
			RowID:  id,
			URL:    url,
			Source: source,
			Domain: src.Domain,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog rows: %w", err)
	}
	return items, nil
}

// MarkDone records the final artifact paths iff the row is still unclaimed.
// It reports whether a row was actually updated; false means another run won
// the race, which callers log rather than treat as an error.
func (s *Store) MarkDone(ctx context.Context, source string, rowID int64, paths ingest.ArtifactPaths) (bool, error) {
	src, err := s.sourceFor(source)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET pcap_path = $1,
    ssl_key_path = $2,
    content_path = $3,
    html_path = $4
WHERE id = $5 AND (pcap_path IS NULL OR pcap_path = '')`, src.Table)

	tag, err := s.pool.Exec(ctx, query,
		paths.Pcap,
		paths.SSLKey,
		paths.Content,
		paths.HTML,
		rowID,
	)
	if err != nil {
		return false, fmt.Errorf("mark done row %d in %s: %w", rowID, src.Table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed writes the error sentinel under the same unclaimed-row guard.
func (s *Store) MarkFailed(ctx context.Context, source string, rowID int64) (bool, error) {
	src, err := s.sourceFor(source)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET pcap_path = $1
WHERE id = $2 AND (pcap_path IS NULL OR pcap_path = '')`, src.Table)

	tag, err := s.pool.Exec(ctx, query, failedSentinel, rowID)
	if err != nil {
		return false, fmt.Errorf("mark failed row %d in %s: %w", rowID, src.Table, err)
	}
	return tag.RowsAffected() > 0, nil
}
