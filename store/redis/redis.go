// Package redis implements a field-level hot store.Store backend over a
// Redis hash per session, using HEXPIRE/HPERSIST for per-field expiry
// (Redis 7.4+) and content-addressed Lua scripts for every atomic
// multi-step write.
package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
)

// Store is a Redis-based store.Store and store.LayeredHotStore
// implementation. Session data lives in a Redis hash keyed by prefix:sid,
// with one hash field per session field.
type Store struct {
	rc     *goredis.Client
	prefix string
}

// New returns a new Store using the provided Redis client. Keys are stored
// with the provided prefix.
func New(rc *goredis.Client, prefix string) *Store {
	return &Store{rc: rc, prefix: prefix}
}

func (rs *Store) key(sid id.ID) string {
	return rs.prefix + ":" + sid.String()
}

// ttlArg renders an optional TTL sentinel as a Lua ARGV element: an empty
// string decodes as Lua nil via tonumber(""), preserving the "unspecified"
// branch of the reconciliation scripts.
func ttlArg(ttl *int64) string {
	if ttl == nil {
		return ""
	}
	return strconv.FormatInt(*ttl, 10)
}

// decodeTTLResult maps a write script's integer return value back to the
// (newKeyTTL, ok, err) shape used by store.Store.
func decodeTTLResult(res int64, err error) (*int64, bool, error) {
	if err != nil {
		return nil, false, store.NewBackendError(err)
	}
	switch {
	case res == scriptAlreadyExists || res == scriptRenameCollision:
		return nil, false, nil
	case res == scriptPersistentTTL:
		return nil, true, nil
	default:
		return &res, true, nil
	}
}

func (rs *Store) Get(ctx context.Context, sid id.ID, field string) ([]byte, bool, error) {
	val, err := rs.rc.HGet(ctx, rs.key(sid), field).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.NewBackendError(err)
	}
	return val, true, nil
}

// GetAll is not implemented by the hot backend: a layered store only reads
// its hot side field-by-field (cache-aside), and as a standalone store the
// backend has no caller that needs whole-session enumeration.
func (rs *Store) GetAll(context.Context, id.ID) (map[string][]byte, bool, error) {
	return nil, false, store.ErrNotImplemented
}

func (rs *Store) Insert(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	res, err := insertScript.Run(ctx, rs.rc, []string{rs.key(sid)}, field, value, ttlArg(keyTTL), ttlArg(fieldTTL)).Int64()
	return decodeTTLResult(res, err)
}

func (rs *Store) Update(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	res, err := updateScript.Run(ctx, rs.rc, []string{rs.key(sid)}, field, value, ttlArg(keyTTL), ttlArg(fieldTTL)).Int64()
	return decodeTTLResult(res, err)
}

func (rs *Store) InsertWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	res, err := insertWithRenameScript.Run(ctx, rs.rc, []string{rs.key(oldID), rs.key(newID)}, field, value, ttlArg(keyTTL), ttlArg(fieldTTL)).Int64()
	return decodeTTLResult(res, err)
}

func (rs *Store) UpdateWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	res, err := updateWithRenameScript.Run(ctx, rs.rc, []string{rs.key(oldID), rs.key(newID)}, field, value, ttlArg(keyTTL), ttlArg(fieldTTL)).Int64()
	return decodeTTLResult(res, err)
}

func (rs *Store) RenameSessionID(ctx context.Context, oldID, newID id.ID, keyTTL *int64) (bool, error) {
	res, err := renameScript.Run(ctx, rs.rc, []string{rs.key(oldID), rs.key(newID)}, ttlArg(keyTTL)).Int64()
	if err != nil {
		return false, store.NewBackendError(err)
	}
	if res == scriptRenameCollision {
		return false, nil
	}
	return true, nil
}

func (rs *Store) Remove(ctx context.Context, sid id.ID, field string) (int, error) {
	res, err := removeScript.Run(ctx, rs.rc, []string{rs.key(sid)}, field).Int64()
	if err != nil {
		return store.RemoveBackendError, store.NewBackendError(err)
	}
	if res == 0 {
		return store.RemoveEmpty, nil
	}
	return store.RemoveRemaining, nil
}

func (rs *Store) Delete(ctx context.Context, sid id.ID) (bool, error) {
	n, err := rs.rc.Del(ctx, rs.key(sid)).Result()
	if err != nil {
		return false, store.NewBackendError(err)
	}
	return n > 0, nil
}

func (rs *Store) Expire(ctx context.Context, sid id.ID, ttlSeconds int64) (bool, error) {
	key := rs.key(sid)
	if ttlSeconds <= 0 {
		n, err := rs.rc.Del(ctx, key).Result()
		if err != nil {
			return false, store.NewBackendError(err)
		}
		return n > 0, nil
	}
	ok, err := rs.rc.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, store.NewBackendError(err)
	}
	return ok, nil
}

// UpdateMany upserts every field of a session in a single round trip,
// used by a layered store to warm the hot cache after a cold read.
func (rs *Store) UpdateMany(ctx context.Context, sid id.ID, fields []store.FieldValue) error {
	if len(fields) == 0 {
		return nil
	}
	argv := make([]any, 0, len(fields)*3)
	for _, fv := range fields {
		argv = append(argv, fv.Field, fv.Value, ttlArg(fv.FieldTTL))
	}
	if _, err := updateManyScript.Run(ctx, rs.rc, []string{rs.key(sid)}, argv...).Int64(); err != nil {
		return store.NewBackendError(err)
	}
	return nil
}
