// Package postgres implements a durable, relational store.Store backend:
// one row per (session_id, field), with a background sweeper dropping
// expired rows and a session's effective key TTL recomputed from the
// maximum expires_at across its rows on every write.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
)

const defaultTableName = "sessions"
const defaultCleanupInterval = 5 * time.Minute

// Builder constructs a Store, creating its schema and table on Build and
// starting a background cleanup goroutine.
type Builder struct {
	pool            *pgxpool.Pool
	tableName       string
	schemaName      string
	cleanupInterval time.Duration
}

// NewBuilder returns a Builder with default table "sessions", no schema
// qualifier, and a 5-minute cleanup interval.
func NewBuilder(pool *pgxpool.Pool) *Builder {
	return &Builder{
		pool:            pool,
		tableName:       defaultTableName,
		cleanupInterval: defaultCleanupInterval,
	}
}

// TableName overrides the default "sessions" table name.
func (b *Builder) TableName(name string) *Builder {
	b.tableName = name
	return b
}

// SchemaName qualifies the table under a non-default schema.
func (b *Builder) SchemaName(name string) *Builder {
	b.schemaName = name
	return b
}

// CleanupInterval overrides the default 5-minute sweep interval.
func (b *Builder) CleanupInterval(interval time.Duration) *Builder {
	b.cleanupInterval = interval
	return b
}

// Build creates the schema (if named) and table if they don't already
// exist, then starts the background sweeper, returning the ready Store.
func (b *Builder) Build(ctx context.Context) (*Store, error) {
	qualified := fmt.Sprintf("%q", b.tableName)
	if b.schemaName != "" {
		if _, err := b.pool.Exec(ctx, fmt.Sprintf("create schema if not exists %q", b.schemaName)); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		qualified = fmt.Sprintf("%q.%q", b.schemaName, b.tableName)
	}

	createTable := fmt.Sprintf(`create table if not exists %s (
		session_id text not null,
		field text not null,
		value bytea not null,
		expires_at timestamptz,
		cache_behavior smallint,
		hot_cache_ttl bigint,
		primary key (session_id, field)
	)`, qualified)
	if _, err := b.pool.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	s := &Store{pool: b.pool, table: qualified}

	deleteQuery := fmt.Sprintf("delete from %s where expires_at is not null and expires_at < now()", qualified)
	go s.sweepLoop(deleteQuery, b.cleanupInterval)

	return s, nil
}

// Store is a pgx-backed store.Store and store.LayeredColdStore
// implementation.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

func (s *Store) sweepLoop(deleteQuery string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := s.pool.Exec(context.Background(), deleteQuery); err != nil {
			// Best-effort background maintenance; a failed sweep just means
			// expired rows linger until the next tick or a live read skips
			// them via the expires_at check below.
			continue
		}
	}
}

// expiresAt mirrors the original's key/field TTL precedence: a finite
// field TTL always wins when present, otherwise the key TTL applies; a
// non-positive result is "no expiry" (persistent).
func expiresAt(keyTTL, fieldTTL *int64) *time.Time {
	var ttl *int64
	switch {
	case fieldTTL != nil:
		ttl = fieldTTL
	case keyTTL != nil:
		ttl = keyTTL
	}
	if ttl == nil || *ttl <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(*ttl) * time.Second)
	return &t
}

// recomputedTTLQuery wraps an upsert CTE in a scalar query that
// recomputes the session's effective remaining key TTL: null if any row
// of the session is persistent, otherwise the ceiling of the seconds
// until the latest expires_at across all its rows. The main query cannot
// see the CTE's own write, so the written row is taken from the upsert's
// returning clause and the session's other rows from the table. The
// query yields no row when the upsert wrote nothing.
func (s *Store) recomputedTTLQuery(upsert string) string {
	return fmt.Sprintf(`
		with upsert as (%s returning session_id, field, expires_at),
		session_rows as (
			select expires_at from %s
			where session_id = (select session_id from upsert)
				and field <> (select field from upsert)
			union all
			select expires_at from upsert
		)
		select
			case
				when count(*) filter (where expires_at is null) > 0 then null
				else greatest(ceil(extract(epoch from max(expires_at) - now())), 0)::bigint
			end
		from session_rows
		having exists (select 1 from upsert)
	`, upsert, s.table)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so the same helper
// can run standalone or as part of a larger transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) remove(ctx context.Context, e execer, sid id.ID, field string) (int64, error) {
	query := fmt.Sprintf("delete from %s where session_id = $1 and field = $2", s.table)
	tag, err := e.Exec(ctx, query, sid.String(), field)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) renameSessionID(ctx context.Context, e execer, oldID, newID id.ID) (bool, error) {
	var exists bool
	existsQuery := fmt.Sprintf("select exists(select 1 from %s where session_id = $1)", s.table)
	if err := e.QueryRow(ctx, existsQuery, newID.String()).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	query := fmt.Sprintf("update %s set session_id = $1 where session_id = $2", s.table)
	tag, err := e.Exec(ctx, query, newID.String(), oldID.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Get(ctx context.Context, sid id.ID, field string) ([]byte, bool, error) {
	query := fmt.Sprintf("select value, expires_at from %s where session_id = $1 and field = $2", s.table)
	var value []byte
	var expires *time.Time
	err := s.pool.QueryRow(ctx, query, sid.String(), field).Scan(&value, &expires)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.NewBackendError(err)
	}
	if expires != nil && expires.Before(time.Now()) {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) GetAll(ctx context.Context, sid id.ID) (map[string][]byte, bool, error) {
	query := fmt.Sprintf("select field, value, expires_at from %s where session_id = $1", s.table)
	rows, err := s.pool.Query(ctx, query, sid.String())
	if err != nil {
		return nil, false, store.NewBackendError(err)
	}
	defer rows.Close()

	now := time.Now()
	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		var expires *time.Time
		if err := rows.Scan(&field, &value, &expires); err != nil {
			return nil, false, store.NewBackendError(err)
		}
		if expires != nil && expires.Before(now) {
			continue
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, false, store.NewBackendError(err)
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}

func (s *Store) upsert(ctx context.Context, onConflict string, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta *store.CacheMeta) (*int64, bool, error) {
	if keyTTL != nil && *keyTTL <= 0 {
		if _, err := s.Delete(ctx, sid); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if fieldTTL != nil && *fieldTTL <= 0 {
		if _, err := s.Remove(ctx, sid, field); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	expires := expiresAt(keyTTL, fieldTTL)
	var upsert string
	var args []any
	if meta != nil {
		upsert = fmt.Sprintf(`insert into %s (session_id, field, value, expires_at, cache_behavior, hot_cache_ttl)
			values ($1, $2, $3, $4, $5, $6) %s`, s.table, onConflict)
		args = []any{sid.String(), field, value, expires, int16(meta.Behavior), meta.HotCacheTTL}
	} else {
		upsert = fmt.Sprintf(`insert into %s (session_id, field, value, expires_at)
			values ($1, $2, $3, $4) %s`, s.table, onConflict)
		args = []any{sid.String(), field, value, expires}
	}

	query := s.recomputedTTLQuery(upsert)
	var newTTL *int64
	row := s.pool.QueryRow(ctx, query, args...)
	if err := row.Scan(&newTTL); err != nil {
		if err == pgx.ErrNoRows {
			// "on conflict do nothing" found an existing row: insert-family
			// callers treat this as ok=false.
			return nil, false, nil
		}
		return nil, false, store.NewBackendError(err)
	}
	return newTTL, true, nil
}

func (s *Store) Insert(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.upsert(ctx, "on conflict do nothing", sid, field, value, keyTTL, fieldTTL, nil)
}

func (s *Store) Update(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	onConflict := `on conflict (session_id, field) do update set value = excluded.value, expires_at = excluded.expires_at`
	return s.upsert(ctx, onConflict, sid, field, value, keyTTL, fieldTTL, nil)
}

func (s *Store) upsertWithRename(ctx context.Context, onConflict string, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta *store.CacheMeta) (*int64, bool, error) {
	if keyTTL != nil && *keyTTL <= 0 {
		if _, err := s.Delete(ctx, oldID); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, store.NewBackendError(err)
	}
	defer tx.Rollback(ctx)

	if fieldTTL != nil && *fieldTTL <= 0 {
		if _, err := s.remove(ctx, tx, oldID, field); err != nil {
			return nil, false, store.NewBackendError(err)
		}
		if _, err := s.renameSessionID(ctx, tx, oldID, newID); err != nil {
			return nil, false, store.NewBackendError(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, store.NewBackendError(err)
		}
		return nil, false, nil
	}

	var collision bool
	existsQuery := fmt.Sprintf("select exists(select 1 from %s where session_id = $1)", s.table)
	if err := tx.QueryRow(ctx, existsQuery, newID.String()).Scan(&collision); err != nil {
		return nil, false, store.NewBackendError(err)
	}
	if collision {
		return nil, false, nil
	}
	if _, err := s.renameSessionID(ctx, tx, oldID, newID); err != nil {
		return nil, false, store.NewBackendError(err)
	}

	expires := expiresAt(keyTTL, fieldTTL)
	var upsert string
	var args []any
	if meta != nil {
		upsert = fmt.Sprintf(`insert into %s (session_id, field, value, expires_at, cache_behavior, hot_cache_ttl)
			values ($1, $2, $3, $4, $5, $6) %s`, s.table, onConflict)
		args = []any{newID.String(), field, value, expires, int16(meta.Behavior), meta.HotCacheTTL}
	} else {
		upsert = fmt.Sprintf(`insert into %s (session_id, field, value, expires_at)
			values ($1, $2, $3, $4) %s`, s.table, onConflict)
		args = []any{newID.String(), field, value, expires}
	}
	query := s.recomputedTTLQuery(upsert)

	var newTTL *int64
	row := tx.QueryRow(ctx, query, args...)
	scanErr := row.Scan(&newTTL)
	if scanErr != nil && scanErr != pgx.ErrNoRows {
		return nil, false, store.NewBackendError(scanErr)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, store.NewBackendError(err)
	}
	if scanErr == pgx.ErrNoRows {
		return nil, false, nil
	}
	return newTTL, true, nil
}

func (s *Store) InsertWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.upsertWithRename(ctx, "on conflict do nothing", oldID, newID, field, value, keyTTL, fieldTTL, nil)
}

func (s *Store) UpdateWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	onConflict := `on conflict (session_id, field) do update set value = excluded.value, expires_at = excluded.expires_at`
	return s.upsertWithRename(ctx, onConflict, oldID, newID, field, value, keyTTL, fieldTTL, nil)
}

func (s *Store) RenameSessionID(ctx context.Context, oldID, newID id.ID, keyTTL *int64) (bool, error) {
	if keyTTL != nil && *keyTTL <= 0 {
		_, err := s.Delete(ctx, oldID)
		return false, err
	}

	ok, err := s.renameSessionID(ctx, s.pool, oldID, newID)
	if err != nil {
		return false, store.NewBackendError(err)
	}
	if !ok {
		return false, nil
	}
	if keyTTL != nil {
		expires := time.Now().Add(time.Duration(*keyTTL) * time.Second)
		query := fmt.Sprintf("update %s set expires_at = $1 where session_id = $2", s.table)
		if _, err := s.pool.Exec(ctx, query, expires, newID.String()); err != nil {
			return false, store.NewBackendError(err)
		}
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, sid id.ID, field string) (int, error) {
	query := fmt.Sprintf("delete from %s where session_id = $1 and field = $2", s.table)
	if _, err := s.pool.Exec(ctx, query, sid.String(), field); err != nil {
		return store.RemoveBackendError, store.NewBackendError(err)
	}

	count := fmt.Sprintf("select count(*) from %s where session_id = $1", s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, count, sid.String()).Scan(&n); err != nil {
		return store.RemoveBackendError, store.NewBackendError(err)
	}
	if n == 0 {
		return store.RemoveEmpty, nil
	}
	return store.RemoveRemaining, nil
}

func (s *Store) Delete(ctx context.Context, sid id.ID) (bool, error) {
	query := fmt.Sprintf("delete from %s where session_id = $1", s.table)
	tag, err := s.pool.Exec(ctx, query, sid.String())
	if err != nil {
		return false, store.NewBackendError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Expire(ctx context.Context, sid id.ID, ttlSeconds int64) (bool, error) {
	if ttlSeconds <= 0 {
		return s.Delete(ctx, sid)
	}
	expires := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	query := fmt.Sprintf("update %s set expires_at = $1 where session_id = $2", s.table)
	tag, err := s.pool.Exec(ctx, query, expires, sid.String())
	if err != nil {
		return false, store.NewBackendError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetAllWithMeta is GetAll plus each field's persisted CacheMeta, used by
// a layered store to decide what to warm into its hot side.
func (s *Store) GetAllWithMeta(ctx context.Context, sid id.ID) (map[string][]byte, map[string]store.CacheMeta, bool, error) {
	query := fmt.Sprintf("select field, value, expires_at, cache_behavior, hot_cache_ttl from %s where session_id = $1", s.table)
	rows, err := s.pool.Query(ctx, query, sid.String())
	if err != nil {
		return nil, nil, false, store.NewBackendError(err)
	}
	defer rows.Close()

	now := time.Now()
	values := make(map[string][]byte)
	metas := make(map[string]store.CacheMeta)
	for rows.Next() {
		var field string
		var value []byte
		var expires *time.Time
		var behavior *int16
		var hotTTL *int64
		if err := rows.Scan(&field, &value, &expires, &behavior, &hotTTL); err != nil {
			return nil, nil, false, store.NewBackendError(err)
		}
		if expires != nil && expires.Before(now) {
			continue
		}
		values[field] = value
		meta := store.CacheMeta{HotCacheTTL: hotTTL}
		if behavior != nil {
			meta.Behavior = store.CacheBehavior(*behavior)
		}
		metas[field] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, store.NewBackendError(err)
	}
	if len(values) == 0 {
		return nil, nil, false, nil
	}
	return values, metas, true, nil
}

func (s *Store) InsertWithMeta(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta store.CacheMeta) (*int64, bool, error) {
	return s.upsert(ctx, "on conflict do nothing", sid, field, value, keyTTL, fieldTTL, &meta)
}

func (s *Store) UpdateWithMeta(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta store.CacheMeta) (*int64, bool, error) {
	onConflict := `on conflict (session_id, field) do update set
		value = excluded.value, expires_at = excluded.expires_at,
		cache_behavior = excluded.cache_behavior, hot_cache_ttl = excluded.hot_cache_ttl`
	return s.upsert(ctx, onConflict, sid, field, value, keyTTL, fieldTTL, &meta)
}

func (s *Store) InsertWithRenameWithMeta(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta store.CacheMeta) (*int64, bool, error) {
	return s.upsertWithRename(ctx, "on conflict do nothing", oldID, newID, field, value, keyTTL, fieldTTL, &meta)
}

func (s *Store) UpdateWithRenameWithMeta(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta store.CacheMeta) (*int64, bool, error) {
	onConflict := `on conflict (session_id, field) do update set
		value = excluded.value, expires_at = excluded.expires_at,
		cache_behavior = excluded.cache_behavior, hot_cache_ttl = excluded.hot_cache_ttl`
	return s.upsertWithRename(ctx, onConflict, oldID, newID, field, value, keyTTL, fieldTTL, &meta)
}
