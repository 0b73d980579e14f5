// Package layered composes a fast, ephemeral hot store.Store with a
// slower, durable cold store.Store: reads are cache-aside (a hot miss
// falls through to the cold store and warms the hot side), and writes
// default to write-through, landing in both stores at once.
package layered

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
)

// Strategy selects where a given Insert/Update call lands, replacing the
// dynamic downcast the original implementation used to smuggle this
// choice inside the value parameter. Go has no ergonomic equivalent, so
// it is an explicit parameter here.
type Strategy int

const (
	// WriteThrough writes to both stores; this is the default. The
	// hotTTLOverride argument of InsertStrategy/UpdateStrategy, if set,
	// further caps the hot side's TTL below the key/field TTLs.
	WriteThrough Strategy = iota
	// HotOnly writes only to the hot store.
	HotOnly
	// ColdOnly writes only to the cold store, tagged store.ColdCacheOnly
	// so a later cache-aside read never warms it into the hot side.
	ColdOnly
)

// Store layers a store.Store + store.LayeredHotStore over a store.Store +
// store.LayeredColdStore.
type Store struct {
	hot  hotStore
	cold coldStore
}

type hotStore interface {
	store.Store
	store.LayeredHotStore
}

type coldStore interface {
	store.Store
	store.LayeredColdStore
}

// New composes hot and cold into a single layered Store.
func New(hot hotStore, cold coldStore) *Store {
	return &Store{hot: hot, cold: cold}
}

func (s *Store) Get(ctx context.Context, sid id.ID, field string) ([]byte, bool, error) {
	value, ok, err := s.hot.Get(ctx, sid, field)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return value, true, nil
	}

	values, metas, ok, err := s.cold.GetAllWithMeta(ctx, sid)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if err := s.warm(ctx, sid, values, metas); err != nil {
		return nil, false, err
	}
	value, ok = values[field]
	return value, ok, nil
}

func (s *Store) GetAll(ctx context.Context, sid id.ID) (map[string][]byte, bool, error) {
	values, ok, err := s.hot.GetAll(ctx, sid)
	if err != nil && err != store.ErrNotImplemented {
		return nil, false, err
	}
	if err == nil && ok {
		return values, true, nil
	}

	values, metas, ok, err := s.cold.GetAllWithMeta(ctx, sid)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if err := s.warm(ctx, sid, values, metas); err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// warm bulk-writes every field whose cache metadata does not mark it
// store.ColdCacheOnly into the hot side, in a single round trip.
func (s *Store) warm(ctx context.Context, sid id.ID, values map[string][]byte, metas map[string]store.CacheMeta) error {
	var toCache []store.FieldValue
	for field, value := range values {
		meta, hasMeta := metas[field]
		if hasMeta && meta.Behavior == store.ColdCacheOnly {
			continue
		}
		var fieldTTL *int64
		if hasMeta {
			fieldTTL = meta.HotCacheTTL
		}
		toCache = append(toCache, store.FieldValue{Field: field, Value: value, FieldTTL: fieldTTL})
	}
	if len(toCache) == 0 {
		return nil
	}
	return s.hot.UpdateMany(ctx, sid, toCache)
}

func hotCacheTTL(keyTTL, fieldTTL, hotTTLOverride *int64) *int64 {
	ttl := keyTTL
	if fieldTTL != nil && (ttl == nil || *fieldTTL < *ttl) {
		ttl = fieldTTL
	}
	if hotTTLOverride != nil && (ttl == nil || *hotTTLOverride < *ttl) {
		ttl = hotTTLOverride
	}
	return ttl
}

func (s *Store) write(ctx context.Context, strategy Strategy, hotTTLOverride *int64,
	hotWrite func(ctx context.Context, hotTTL *int64) (*int64, bool, error),
	coldWrite func(ctx context.Context, meta store.CacheMeta) (*int64, bool, error),
	keyTTL, fieldTTL *int64,
) (*int64, bool, error) {
	switch strategy {
	case HotOnly:
		return hotWrite(ctx, fieldTTL)
	case ColdOnly:
		return coldWrite(ctx, store.CacheMeta{Behavior: store.ColdCacheOnly})
	}

	hotTTL := hotCacheTTL(keyTTL, fieldTTL, hotTTLOverride)
	meta := store.CacheMeta{Behavior: store.WriteThrough, HotCacheTTL: hotTTLOverride}

	var newKeyTTL *int64
	var hotOK, coldOK bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		_, hotOK, err = hotWrite(gctx, hotTTL)
		return err
	})
	g.Go(func() error {
		var err error
		newKeyTTL, coldOK, err = coldWrite(gctx, meta)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return newKeyTTL, hotOK && coldOK, nil
}

func (s *Store) Insert(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.InsertStrategy(ctx, sid, field, value, keyTTL, fieldTTL, WriteThrough, nil)
}

// InsertStrategy is Insert with explicit control over where the write
// lands, and (for WriteThrough) an optional hot-cache TTL override.
func (s *Store) InsertStrategy(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, strategy Strategy, hotTTLOverride *int64) (*int64, bool, error) {
	return s.write(ctx, strategy, hotTTLOverride,
		func(ctx context.Context, hotTTL *int64) (*int64, bool, error) {
			return s.hot.Insert(ctx, sid, field, value, hotTTL, hotTTL)
		},
		func(ctx context.Context, meta store.CacheMeta) (*int64, bool, error) {
			return s.cold.InsertWithMeta(ctx, sid, field, value, keyTTL, fieldTTL, meta)
		},
		keyTTL, fieldTTL)
}

func (s *Store) Update(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.UpdateStrategy(ctx, sid, field, value, keyTTL, fieldTTL, WriteThrough, nil)
}

// UpdateStrategy is Update with explicit control over where the write
// lands, and (for WriteThrough) an optional hot-cache TTL override.
func (s *Store) UpdateStrategy(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, strategy Strategy, hotTTLOverride *int64) (*int64, bool, error) {
	return s.write(ctx, strategy, hotTTLOverride,
		func(ctx context.Context, hotTTL *int64) (*int64, bool, error) {
			return s.hot.Update(ctx, sid, field, value, hotTTL, hotTTL)
		},
		func(ctx context.Context, meta store.CacheMeta) (*int64, bool, error) {
			return s.cold.UpdateWithMeta(ctx, sid, field, value, keyTTL, fieldTTL, meta)
		},
		keyTTL, fieldTTL)
}

func (s *Store) InsertWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.write(ctx, WriteThrough, nil,
		func(ctx context.Context, hotTTL *int64) (*int64, bool, error) {
			return s.hot.InsertWithRename(ctx, oldID, newID, field, value, hotTTL, hotTTL)
		},
		func(ctx context.Context, meta store.CacheMeta) (*int64, bool, error) {
			return s.cold.InsertWithRenameWithMeta(ctx, oldID, newID, field, value, keyTTL, fieldTTL, meta)
		},
		keyTTL, fieldTTL)
}

func (s *Store) UpdateWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	return s.write(ctx, WriteThrough, nil,
		func(ctx context.Context, hotTTL *int64) (*int64, bool, error) {
			return s.hot.UpdateWithRename(ctx, oldID, newID, field, value, hotTTL, hotTTL)
		},
		func(ctx context.Context, meta store.CacheMeta) (*int64, bool, error) {
			return s.cold.UpdateWithRenameWithMeta(ctx, oldID, newID, field, value, keyTTL, fieldTTL, meta)
		},
		keyTTL, fieldTTL)
}

func (s *Store) RenameSessionID(ctx context.Context, oldID, newID id.ID, keyTTL *int64) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	var hotOK, coldOK bool
	g.Go(func() error {
		var err error
		hotOK, err = s.hot.RenameSessionID(gctx, oldID, newID, keyTTL)
		return err
	})
	g.Go(func() error {
		var err error
		coldOK, err = s.cold.RenameSessionID(gctx, oldID, newID, keyTTL)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return hotOK && coldOK, nil
}

func (s *Store) Remove(ctx context.Context, sid id.ID, field string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	var hotResult, coldResult int
	g.Go(func() error {
		var err error
		hotResult, err = s.hot.Remove(gctx, sid, field)
		return err
	})
	g.Go(func() error {
		var err error
		coldResult, err = s.cold.Remove(gctx, sid, field)
		return err
	})
	if err := g.Wait(); err != nil {
		return store.RemoveBackendError, err
	}
	if hotResult == store.RemoveBackendError || coldResult == store.RemoveBackendError {
		return store.RemoveBackendError, nil
	}
	// The cold store is authoritative for whether the session as a whole
	// still has fields, since the hot side may not hold every field.
	return coldResult, nil
}

func (s *Store) Delete(ctx context.Context, sid id.ID) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	var hotExisted, coldExisted bool
	g.Go(func() error {
		var err error
		hotExisted, err = s.hot.Delete(gctx, sid)
		return err
	})
	g.Go(func() error {
		var err error
		coldExisted, err = s.cold.Delete(gctx, sid)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return hotExisted || coldExisted, nil
}

func (s *Store) Expire(ctx context.Context, sid id.ID, ttlSeconds int64) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	var hotOK, coldOK bool
	g.Go(func() error {
		var err error
		hotOK, err = s.hot.Expire(gctx, sid, ttlSeconds)
		return err
	})
	g.Go(func() error {
		var err error
		coldOK, err = s.cold.Expire(gctx, sid, ttlSeconds)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return hotOK || coldOK, nil
}
