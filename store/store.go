// Package store and its subpackages provide session storage functionality for
// use by the session state machine. Every backend (memory, redis, postgres,
// layered) implements Store with identical observable semantics: the same
// inputs, the same TTL-reconciliation rules, and the same failure taxonomy.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/outpostlabs/sessvault/id"
)

// Kind classifies a failure from a Store operation.
type Kind int

const (
	// KindBackend indicates an I/O or protocol error from the backend.
	KindBackend Kind = iota
	// KindEncode indicates the caller's value could not be serialized.
	KindEncode
	// KindDecode indicates stored bytes could not be deserialized.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindEncode:
		return "encode"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the uniform failure type surfaced by every Store implementation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the provided Kind.
func NewError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// NewBackendError wraps err as a backend failure.
func NewBackendError(err error) error {
	return NewError(KindBackend, err)
}

var (
	// ErrIDCollision names the condition of a rename target that already
	// exists. No Store operation returns it: rename-family operations
	// report a collision as ok=false.
	ErrIDCollision = errors.New("session id collision")
	// ErrNotImplemented is returned by optional operations a given backend
	// declines to support (e.g. GetAll on the in-memory backend).
	ErrNotImplemented = errors.New("not implemented")
)

// RemoveBackendError is returned by Remove when the underlying backend
// could not determine the outcome of the removal.
const RemoveBackendError = -1

// RemoveEmpty is returned by Remove when removing the field left the
// session with no remaining fields; the caller should treat the session as
// deleted.
const RemoveEmpty = 0

// RemoveRemaining is returned by Remove when the session still has fields
// after the removal.
const RemoveRemaining = 1

// CacheBehavior tags how a field should be treated by a layered store's
// cache-aside read path.
type CacheBehavior int

const (
	// WriteThrough fields are eligible to be warmed into the hot cache on
	// a cold read.
	WriteThrough CacheBehavior = iota
	// ColdCacheOnly fields are never warmed into the hot cache; they are
	// only ever resolved by reading the cold store directly.
	ColdCacheOnly
)

// CacheMeta is the per-field caching metadata persisted alongside a field
// in the cold backend of a layered store. A nil HotCacheTTL means no
// override: a write-through write caps the hot side at the smaller of its
// key and field TTLs, and a cache warm writes the field to the hot side
// with no field TTL.
type CacheMeta struct {
	Behavior    CacheBehavior
	HotCacheTTL *int64 // seconds; nil means no override
}

// FieldValue is a single field's opaque value paired with its TTL inputs,
// used by multi-field operations (cache warming, bulk upserts).
type FieldValue struct {
	Field    string
	Value    []byte
	KeyTTL   *int64
	FieldTTL *int64
}

// Store is the uniform contract every session storage backend satisfies.
//
// TTL parameters are optional seconds using the sentinel convention shared
// with the hot backend's Lua scripts and the cold backend's SQL: nil means
// unspecified (no explicit TTL requested), -1 means "persistent" (field TTL
// only), 0 means "delete this field" (field TTL) or "delete this session"
// (key TTL), and any positive value is a finite TTL in seconds.
//
// Mutating operations that report Some(new_key_ttl) in spec §4.1 are
// expressed here as (ttl *int64, ok bool, err error): ok is false when the
// spec calls for None (e.g. insert found the field already present), and
// when ok is true, a nil ttl means the key is now persistent while a
// non-nil ttl is the effective remaining key TTL in seconds.
type Store interface {
	// Get returns the value stored at (id, field), or ok=false if absent.
	Get(ctx context.Context, sid id.ID, field string) (value []byte, ok bool, err error)

	// GetAll returns every field stored at id, or ok=false if the session
	// does not exist. Optional: backends may return ErrNotImplemented.
	GetAll(ctx context.Context, sid id.ID) (fields map[string][]byte, ok bool, err error)

	// Insert stores value at (id, field) only if field does not already
	// exist.
	Insert(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (newKeyTTL *int64, ok bool, err error)

	// Update upserts value at (id, field).
	Update(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (newKeyTTL *int64, ok bool, err error)

	// InsertWithRename atomically renames oldID to newID (iff oldID exists
	// and newID does not), then inserts as Insert would under newID.
	InsertWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (newKeyTTL *int64, ok bool, err error)

	// UpdateWithRename atomically renames oldID to newID, then updates as
	// Update would under newID.
	UpdateWithRename(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64) (newKeyTTL *int64, ok bool, err error)

	// RenameSessionID renames oldID to newID with no field write, failing
	// if newID already exists.
	RenameSessionID(ctx context.Context, oldID, newID id.ID, keyTTL *int64) (ok bool, err error)

	// Remove deletes a single field. It returns RemoveBackendError if the
	// backend could not complete the operation, RemoveEmpty if the
	// session now has no remaining fields, or RemoveRemaining otherwise.
	Remove(ctx context.Context, sid id.ID, field string) (int, error)

	// Delete drops the entire session.
	Delete(ctx context.Context, sid id.ID) (bool, error)

	// Expire sets the session's key TTL. ttlSeconds <= 0 deletes it.
	Expire(ctx context.Context, sid id.ID, ttlSeconds int64) (bool, error)
}

// LayeredHotStore is implemented by backends suitable as the hot side of a
// layered store: in addition to Store, they support a single round-trip
// multi-field write used to warm the cache after a cold read.
type LayeredHotStore interface {
	Store

	// UpdateMany upserts every field in fields in a single round-trip.
	UpdateMany(ctx context.Context, sid id.ID, fields []FieldValue) error
}

// LayeredColdStore is implemented by backends suitable as the cold side of
// a layered store: in addition to Store, they track and return per-field
// CacheMeta alongside values.
type LayeredColdStore interface {
	Store

	// GetAllWithMeta returns every field stored at id along with its
	// cache metadata, or ok=false if the session does not exist.
	GetAllWithMeta(ctx context.Context, sid id.ID) (fields map[string][]byte, meta map[string]CacheMeta, ok bool, err error)

	InsertWithMeta(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta CacheMeta) (newKeyTTL *int64, ok bool, err error)
	UpdateWithMeta(ctx context.Context, sid id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta CacheMeta) (newKeyTTL *int64, ok bool, err error)
	InsertWithRenameWithMeta(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta CacheMeta) (newKeyTTL *int64, ok bool, err error)
	UpdateWithRenameWithMeta(ctx context.Context, oldID, newID id.ID, field string, value []byte, keyTTL, fieldTTL *int64, meta CacheMeta) (newKeyTTL *int64, ok bool, err error)
}
