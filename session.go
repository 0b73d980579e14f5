// Package session provides a pluggable per-request session handle backed
// by a store.Store.
//
// A Session tracks a request-scoped identifier, typed per-field values
// delegated to the configured backend, and a pair of flags (changed,
// deleted) that the egress middleware inspects when the handler first
// writes its response (or returns without writing) to decide whether to
// emit a fresh or a clearing cookie.
//
// Ingress installs a Session into the request context (see Manage); typed
// field access goes through the package-level Get/Insert/Update functions,
// since Go methods cannot carry their own type parameters.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"github.com/outpostlabs/sessvault/codec"
	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/internal/retry"
	"github.com/outpostlabs/sessvault/store"
)

const defaultSessionTTL = 30 * time.Minute

// ErrUninitialized is returned by any read or mutation that requires an
// established session id while none has yet been minted.
var ErrUninitialized = errors.New("session: uninitialized")

// Options tunes Manager behavior.
type Options struct {
	// TTL is the session-level key TTL applied to every write. There is
	// no facility for per-field key TTL override at this layer; use
	// Insert/Update's fieldTTL for field-level control.
	// Default if unspecified: 30m.
	TTL time.Duration
}

// Session is a per-request handle bound to a single logical session:
// an id that may not yet exist (minted lazily on first write), a pending
// rename awaiting commit on the next mutation, and the changed/deleted
// flags an egress middleware reads once the handler completes.
type Session struct {
	mu            sync.Mutex
	id            *id.ID
	pendingRename *id.ID

	changed atomic.Bool
	deleted atomic.Bool

	store         store.Store
	keyTTLSeconds int64
}

// ID returns the session's current id, or ok=false if none has been
// minted yet.
func (s *Session) ID() (id.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return id.Zero, false
	}
	return *s.id, true
}

func (s *Session) keyTTL() *int64 {
	v := s.keyTTLSeconds
	return &v
}

// beginWrite applies the id-or-gen rule under the session's lock: if no
// id exists yet, one is minted and installed immediately so concurrent
// first-writes cannot race into two distinct ids; otherwise it reports
// the current id and, if a rename is pending, the id it should be
// committed to alongside this write.
func (s *Session) beginWrite() (current id.ID, renameTo *id.ID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		newID, err := id.New()
		if err != nil {
			return id.Zero, nil, fmt.Errorf("session: failed to mint id: %w", err)
		}
		s.id = &newID
		return newID, nil, nil
	}
	if s.pendingRename != nil {
		return *s.id, s.pendingRename, nil
	}
	return *s.id, nil, nil
}

func (s *Session) commitRename(newID id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = &newID
	s.pendingRename = nil
}

// Get decodes the value stored at field into a T, or ok=false if absent.
func Get[T any](ctx context.Context, s *Session, field string) (value T, ok bool, err error) {
	sid, initialized := s.ID()
	if !initialized {
		return value, false, ErrUninitialized
	}
	raw, ok, err := s.store.Get(ctx, sid, field)
	if err != nil || !ok {
		return value, false, err
	}
	if err := codec.Decode(raw, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// GetAll returns every field's raw encoded bytes. Callers that need a
// specific field's typed value should prefer Get.
func (s *Session) GetAll(ctx context.Context) (map[string][]byte, bool, error) {
	sid, ok := s.ID()
	if !ok {
		return nil, false, ErrUninitialized
	}
	return s.store.GetAll(ctx, sid)
}

// Insert stores value at field only if field does not already exist,
// minting an id (and committing any pending rename) if needed. It
// reports ok=false, nil error if the field already existed.
func Insert[T any](ctx context.Context, s *Session, field string, value T, fieldTTL *int64) (bool, error) {
	raw, err := codec.Encode(value)
	if err != nil {
		return false, err
	}
	current, renameTo, err := s.beginWrite()
	if err != nil {
		return false, err
	}
	var ok bool
	if renameTo != nil {
		_, ok, err = s.store.InsertWithRename(ctx, current, *renameTo, field, raw, s.keyTTL(), fieldTTL)
	} else {
		_, ok, err = s.store.Insert(ctx, current, field, raw, s.keyTTL(), fieldTTL)
	}
	if err != nil {
		return false, err
	}
	if ok && renameTo != nil {
		s.commitRename(*renameTo)
	}
	if ok {
		s.changed.Store(true)
	}
	return ok, nil
}

// Update upserts value at field, minting an id (and committing any
// pending rename) if needed.
func Update[T any](ctx context.Context, s *Session, field string, value T, fieldTTL *int64) (bool, error) {
	raw, err := codec.Encode(value)
	if err != nil {
		return false, err
	}
	current, renameTo, err := s.beginWrite()
	if err != nil {
		return false, err
	}
	var ok bool
	if renameTo != nil {
		_, ok, err = s.store.UpdateWithRename(ctx, current, *renameTo, field, raw, s.keyTTL(), fieldTTL)
	} else {
		_, ok, err = s.store.Update(ctx, current, field, raw, s.keyTTL(), fieldTTL)
	}
	if err != nil {
		return false, err
	}
	if ok && renameTo != nil {
		s.commitRename(*renameTo)
	}
	if ok {
		s.changed.Store(true)
	}
	return ok, nil
}

// Remove deletes field. If this left the session with no remaining
// fields, the session is marked deleted for the egress middleware.
func (s *Session) Remove(ctx context.Context, field string) error {
	sid, ok := s.ID()
	if !ok {
		return ErrUninitialized
	}
	result, err := s.store.Remove(ctx, sid, field)
	if err != nil {
		return err
	}
	switch result {
	case store.RemoveBackendError:
		slog.Error("store could not determine remove outcome", "field", field)
	case store.RemoveEmpty:
		s.deleted.Store(true)
	}
	return nil
}

// Delete drops the entire session. If the store reports that the session
// existed, it is marked deleted for the egress middleware.
func (s *Session) Delete(ctx context.Context) error {
	sid, ok := s.ID()
	if !ok {
		return ErrUninitialized
	}
	existed, err := s.store.Delete(ctx, sid)
	if err != nil {
		return err
	}
	if existed {
		s.deleted.Store(true)
	}
	return nil
}

// Expire sets the session's remaining key TTL. seconds <= 0 is
// equivalent to Delete. On success the id is also regenerated, which sets
// changed so the egress middleware refreshes the cookie; if the store
// reports no such session, Expire returns nil and changes nothing.
func (s *Session) Expire(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return s.Delete(ctx)
	}
	sid, ok := s.ID()
	if !ok {
		return ErrUninitialized
	}
	ok, err := s.store.Expire(ctx, sid, seconds)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.regenerate(ctx, sid)
}

// Regenerate atomically renames the current id to a fresh one, retrying
// on collision, and marks the session changed.
func (s *Session) Regenerate(ctx context.Context) error {
	sid, ok := s.ID()
	if !ok {
		return ErrUninitialized
	}
	return s.regenerate(ctx, sid)
}

func (s *Session) regenerate(ctx context.Context, oldID id.ID) error {
	var newID id.ID
	fn := func(rctx *retry.RetryContext) {
		candidate, err := id.New()
		if err != nil {
			slog.Error("failed to mint replacement session id", "error", err)
			return
		}
		ok, err := s.store.RenameSessionID(ctx, oldID, candidate, s.keyTTL())
		if err != nil {
			slog.Error("failed to rename session id", "error", err)
			return
		}
		if !ok {
			return // collision with an existing id; retry with a new candidate.
		}
		newID = candidate
		rctx.Done()
	}
	policy := retry.Backoff{Base: 10 * time.Millisecond, Growth: 2.0, Jitter: 0.2}
	if err := policy.Do(fn, 4); err != nil {
		return fmt.Errorf("session: failed to regenerate id: %w", err)
	}
	s.mu.Lock()
	s.id = &newID
	s.mu.Unlock()
	s.changed.Store(true)
	return nil
}

// PrepareRegenerate mints a fresh id and stashes it to be committed
// atomically with the next Insert/Update. A repeated call before any
// intervening write overwrites the previously pending id.
func (s *Session) PrepareRegenerate() error {
	newID, err := id.New()
	if err != nil {
		return fmt.Errorf("session: failed to mint pending id: %w", err)
	}
	s.mu.Lock()
	s.pendingRename = &newID
	s.mu.Unlock()
	return nil
}

// Manager creates and wires per-request Session handles to a store.Store
// and a cookie configuration.
type Manager struct {
	store      store.Store
	ttlSeconds int64
	cookieOpts *CookieOptions
}

// NewManager returns a Manager backed by s, applying default Options and
// CookieOptions values where unset.
func NewManager(s store.Store, opts *Options, cookieOpts *CookieOptions) *Manager {
	if opts == nil {
		opts = &Options{}
	}
	if opts.TTL == 0 {
		opts.TTL = defaultSessionTTL
	}
	if cookieOpts == nil {
		cookieOpts = NewCookieOptions()
	}
	return &Manager{
		store:      s,
		ttlSeconds: int64(opts.TTL.Seconds()),
		cookieOpts: cookieOpts,
	}
}

func (m *Manager) newSession() *Session {
	return &Session{store: m.store, keyTTLSeconds: m.ttlSeconds}
}

func (m *Manager) resolveCookie(r *http.Request) (id.ID, bool) {
	c, err := r.Cookie(m.cookieOpts.name)
	if err != nil {
		return id.Zero, false
	}
	parsed, ok := id.Parse(c.Value)
	if !ok {
		slog.Warn("malformed session cookie, treating as no session", "cookie", m.cookieOpts.name)
		return id.Zero, false
	}
	return parsed, true
}

// contextKey is the type used to represent keys identifying values stored
// in the request Context.
type contextKey string

const contextKeySession = contextKey("session")

// Get returns the Session installed into ctx by Manage, or nil if none.
func Get(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKeySession).(*Session)
	return s
}

// responseWriter defers cookie emission until the handler first calls
// WriteHeader or Write (or, if it never does, until it returns), so the
// egress decision is made from the session's changed/deleted state at
// that moment rather than its state at request entry. Session changes
// made after the response headers are written do not affect the cookie.
type responseWriter struct {
	http.ResponseWriter
	manager     *Manager
	session     *Session
	wroteHeader bool
}

func (w *responseWriter) emit() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.manager.applyCookie(w.ResponseWriter, w.session)
}

func (w *responseWriter) WriteHeader(code int) {
	w.emit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.emit()
	return w.ResponseWriter.Write(b)
}

func (m *Manager) applyCookie(w http.ResponseWriter, s *Session) {
	if s.deleted.Load() {
		http.SetCookie(w, m.cookieOpts.clearingCookie())
		return
	}
	if s.changed.Load() {
		sid, ok := s.ID()
		if !ok {
			return
		}
		http.SetCookie(w, m.cookieOpts.cookie(sid.String()))
	}
}

// Manage is a chi-compatible middleware that resolves the session cookie
// (if any), installs a Session into the request context, and emits the
// egress cookie (fresh, clearing, or none) when the handler first writes
// its response, or when it returns without writing.
func (m *Manager) Manage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.newSession()
		if sid, ok := m.resolveCookie(r); ok {
			s.id = &sid
		}
		rw := &responseWriter{ResponseWriter: w, manager: m, session: s}
		ctx := context.WithValue(r.Context(), contextKeySession, s)
		next.ServeHTTP(rw, r.WithContext(ctx))
		rw.emit()
	})
}
