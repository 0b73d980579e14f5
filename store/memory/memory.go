// Package memory implements an in-process, field-level store.Store backed
// by a plain map and lazy heap-based expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
)

type fieldEntry struct {
	value  []byte
	expiry *time.Time // nil means persistent
}

type sessionEntry struct {
	fields map[string]*fieldEntry
	expiry *time.Time // nil means persistent; effective key TTL
}

// Store is a concurrency-safe, in-memory store.Store and
// store.LayeredHotStore implementation.
//
// Eviction: expired fields and sessions are garbage collected lazily on
// entry to any Store method.
type Store struct {
	// Clock can be overridden in tests (e.g., to exercise eviction logic).
	Clock func() time.Time

	mu       sync.Mutex
	sessions map[id.ID]*sessionEntry

	fieldQueue   *fieldEvictionQueue
	sessionQueue *sessionEvictionQueue
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		Clock:        func() time.Time { return time.Now() },
		sessions:     make(map[id.ID]*sessionEntry),
		fieldQueue:   newFieldEvictionQueue(),
		sessionQueue: newSessionEvictionQueue(),
	}
}

// evict drops everything at the front of either queue whose deadline has
// passed, skipping entries superseded by a later write (checked by pointer
// identity against the mark captured when the entry was scheduled).
// Callers must hold mu.
func (s *Store) evict(now time.Time) {
	for s.sessionQueue.Len() > 0 && s.sessionQueue.Peek().expires.Before(now) {
		next := s.sessionQueue.Pop()
		sess, ok := s.sessions[next.sid]
		if !ok || sess.expiry != next.mark {
			continue
		}
		delete(s.sessions, next.sid)
	}
	for s.fieldQueue.Len() > 0 && s.fieldQueue.Peek().expires.Before(now) {
		next := s.fieldQueue.Pop()
		sess, ok := s.sessions[next.sid]
		if !ok {
			continue
		}
		f, ok := sess.fields[next.field]
		if !ok || f.expiry != next.mark {
			continue
		}
		delete(sess.fields, next.field)
		if len(sess.fields) == 0 {
			delete(s.sessions, next.sid)
		}
	}
}

// applyKeyTTL installs sess's key TTL per the store.Store sentinel
// convention, scheduling a session-level eviction entry when finite, and
// returns the effective key TTL to report back to the caller.
//
// Per I3, a non-positive keyTTL means immediate deletion of the whole
// session, not "persistent" (that sentinel value is reserved for field
// TTLs); for a non-positive keyTTL applyKeyTTL deletes sid from s.sessions
// itself and returns nil.
func (s *Store) applyKeyTTL(sid id.ID, sess *sessionEntry, keyTTL *int64, now time.Time) *int64 {
	switch {
	case keyTTL == nil:
		// leave whatever's there
	case *keyTTL <= 0:
		delete(s.sessions, sid)
		return nil
	default:
		exp := now.Add(time.Duration(*keyTTL) * time.Second)
		sess.expiry = &exp
		s.sessionQueue.Push(sid, exp, sess.expiry)
	}
	if sess.expiry == nil {
		return nil
	}
	remaining := int64(sess.expiry.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

func (s *Store) applyFieldTTL(sid id.ID, field string, f *fieldEntry, fieldTTL *int64, now time.Time) {
	switch {
	case fieldTTL == nil:
		return
	case *fieldTTL < 0:
		f.expiry = nil
	default:
		exp := now.Add(time.Duration(*fieldTTL) * time.Second)
		f.expiry = &exp
		s.fieldQueue.Push(sid, field, exp, f.expiry)
	}
}

func (s *Store) Get(_ context.Context, sid id.ID, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(s.Clock())

	sess, ok := s.sessions[sid]
	if !ok {
		return nil, false, nil
	}
	f, ok := sess.fields[field]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(f.value))
	copy(out, f.value)
	return out, true, nil
}

// GetAll is not implemented by the in-memory backend: it is never deployed
// as the cold side of a layered store, and a single-process deployment has
// no need to enumerate a session's fields in bulk.
func (s *Store) GetAll(context.Context, id.ID) (map[string][]byte, bool, error) {
	return nil, false, store.ErrNotImplemented
}

func (s *Store) Insert(_ context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	if keyTTL != nil && *keyTTL <= 0 {
		delete(s.sessions, sid)
		return nil, false, nil
	}

	sess, ok := s.sessions[sid]
	if !ok {
		sess = &sessionEntry{fields: make(map[string]*fieldEntry)}
		s.sessions[sid] = sess
	}
	if _, exists := sess.fields[field]; exists {
		return nil, false, nil
	}
	f := &fieldEntry{value: value}
	sess.fields[field] = f
	s.applyFieldTTL(sid, field, f, fieldTTL, now)
	newKeyTTL := s.applyKeyTTL(sid, sess, keyTTL, now)
	return newKeyTTL, true, nil
}

func (s *Store) Update(_ context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	if keyTTL != nil && *keyTTL <= 0 {
		delete(s.sessions, sid)
		return nil, false, nil
	}

	sess, ok := s.sessions[sid]
	if !ok {
		sess = &sessionEntry{fields: make(map[string]*fieldEntry)}
		s.sessions[sid] = sess
	}
	f, ok := sess.fields[field]
	if !ok {
		f = &fieldEntry{}
		sess.fields[field] = f
	}
	f.value = value
	s.applyFieldTTL(sid, field, f, fieldTTL, now)
	newKeyTTL := s.applyKeyTTL(sid, sess, keyTTL, now)
	return newKeyTTL, true, nil
}

// renameLocked moves oldID's session to newID, failing if oldID is absent
// or newID is already occupied. Callers must hold mu.
func (s *Store) renameLocked(oldID, newID id.ID) (*sessionEntry, bool) {
	if oldID == newID {
		return nil, false
	}
	if _, exists := s.sessions[newID]; exists {
		return nil, false
	}
	sess, ok := s.sessions[oldID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, oldID)
	s.sessions[newID] = sess
	// Reschedule outstanding heap entries under newID; the stale oldID
	// entries become no-ops in evict() once s.sessions[oldID] is gone.
	if sess.expiry != nil {
		s.sessionQueue.Push(newID, *sess.expiry, sess.expiry)
	}
	for field, f := range sess.fields {
		if f.expiry != nil {
			s.fieldQueue.Push(newID, field, *f.expiry, f.expiry)
		}
	}
	return sess, true
}

func (s *Store) InsertWithRename(_ context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	if keyTTL != nil && *keyTTL <= 0 {
		delete(s.sessions, oldID)
		return nil, false, nil
	}

	sess, ok := s.renameLocked(oldID, newID)
	if !ok {
		return nil, false, nil
	}
	if _, exists := sess.fields[field]; exists {
		return nil, false, nil
	}
	f := &fieldEntry{value: value}
	sess.fields[field] = f
	s.applyFieldTTL(newID, field, f, fieldTTL, now)
	newKeyTTL := s.applyKeyTTL(newID, sess, keyTTL, now)
	return newKeyTTL, true, nil
}

func (s *Store) UpdateWithRename(_ context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (*int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	if keyTTL != nil && *keyTTL <= 0 {
		delete(s.sessions, oldID)
		return nil, false, nil
	}

	sess, ok := s.renameLocked(oldID, newID)
	if !ok {
		return nil, false, nil
	}
	f, ok := sess.fields[field]
	if !ok {
		f = &fieldEntry{}
		sess.fields[field] = f
	}
	f.value = value
	s.applyFieldTTL(newID, field, f, fieldTTL, now)
	newKeyTTL := s.applyKeyTTL(newID, sess, keyTTL, now)
	return newKeyTTL, true, nil
}

func (s *Store) RenameSessionID(_ context.Context, oldID, newID id.ID, keyTTL *int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	if keyTTL != nil && *keyTTL <= 0 {
		delete(s.sessions, oldID)
		return false, nil
	}

	sess, ok := s.renameLocked(oldID, newID)
	if !ok {
		return false, nil
	}
	s.applyKeyTTL(newID, sess, keyTTL, now)
	return true, nil
}

func (s *Store) Remove(_ context.Context, sid id.ID, field string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(s.Clock())

	sess, ok := s.sessions[sid]
	if !ok {
		// A session that never existed is already empty: matches the
		// redis and postgres backends, where removing a field from a
		// nonexistent key is a no-op that reports RemoveEmpty.
		return store.RemoveEmpty, nil
	}
	delete(sess.fields, field)
	if len(sess.fields) == 0 {
		delete(s.sessions, sid)
		return store.RemoveEmpty, nil
	}
	return store.RemoveRemaining, nil
}

func (s *Store) Delete(_ context.Context, sid id.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[sid]
	delete(s.sessions, sid)
	return existed, nil
}

func (s *Store) Expire(_ context.Context, sid id.ID, ttlSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	sess, ok := s.sessions[sid]
	if !ok {
		return false, nil
	}
	if ttlSeconds <= 0 {
		delete(s.sessions, sid)
		return true, nil
	}
	keyTTL := ttlSeconds
	s.applyKeyTTL(sid, sess, &keyTTL, now)
	return true, nil
}

// UpdateMany upserts every field in a single critical section, used by a
// layered store to warm the cache after a cold read.
func (s *Store) UpdateMany(_ context.Context, sid id.ID, fields []store.FieldValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock()
	s.evict(now)

	sess, ok := s.sessions[sid]
	if !ok {
		sess = &sessionEntry{fields: make(map[string]*fieldEntry)}
		s.sessions[sid] = sess
	}
	for _, fv := range fields {
		f, ok := sess.fields[fv.Field]
		if !ok {
			f = &fieldEntry{}
			sess.fields[fv.Field] = f
		}
		f.value = fv.Value
		s.applyFieldTTL(sid, fv.Field, f, fv.FieldTTL, now)
		s.applyKeyTTL(sid, sess, fv.KeyTTL, now)
	}
	return nil
}
