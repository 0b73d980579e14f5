// Package conformance provides a shared table-driven test suite run
// against every store.Store backend, so new backends are checked against
// the same observable semantics as the rest.
package conformance

import (
	"context"
	"testing"

	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
)

func Int64P(v int64) *int64 { return &v }

func mustID(t *testing.T) id.ID {
	t.Helper()
	sid, err := id.New()
	if err != nil {
		t.Fatalf("id.New() returned unexpected error: %v", err)
	}
	return sid
}

// Run exercises the common operations every store.Store backend must
// support identically. newStore returns a fresh, empty backend instance
// per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("InsertThenGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		if _, ok, err := s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil); err != nil || !ok {
			t.Fatalf("Insert() = (_, %t, %v), want (_, true, nil)", ok, err)
		}
		got, ok, err := s.Get(ctx, sid, "f")
		if err != nil || !ok || string(got) != "v" {
			t.Fatalf("Get() = (%q, %t, %v), want (\"v\", true, nil)", got, ok, err)
		}
	})

	t.Run("InsertRejectsExistingField", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		if _, ok, err := s.Insert(ctx, sid, "f", []byte("v2"), Int64P(60), nil); err != nil || ok {
			t.Fatalf("second Insert() = (_, %t, %v), want (_, false, nil)", ok, err)
		}
	})

	t.Run("UpdateUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		if _, ok, err := s.Update(ctx, sid, "f", []byte("first"), Int64P(60), nil); err != nil || !ok {
			t.Fatalf("Update() = (_, %t, %v), want (_, true, nil)", ok, err)
		}
		if _, ok, err := s.Update(ctx, sid, "f", []byte("second"), Int64P(60), nil); err != nil || !ok {
			t.Fatalf("Update() = (_, %t, %v), want (_, true, nil)", ok, err)
		}
		got, ok, _ := s.Get(ctx, sid, "f")
		if !ok || string(got) != "second" {
			t.Errorf("Get() = (%q, %t), want (\"second\", true)", got, ok)
		}
	})

	t.Run("GetMissingFieldOrSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		if _, ok, err := s.Get(ctx, sid, "f"); err != nil || ok {
			t.Fatalf("Get() on missing session = (_, %t, %v), want (_, false, nil)", ok, err)
		}
		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		if _, ok, err := s.Get(ctx, sid, "g"); err != nil || ok {
			t.Fatalf("Get() on missing field = (_, %t, %v), want (_, false, nil)", ok, err)
		}
	})

	t.Run("InsertNonPositiveKeyTTLDeletesSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		if _, ok, err := s.Insert(ctx, sid, "g", []byte("w"), Int64P(0), nil); err != nil || ok {
			t.Fatalf("Insert() with non-positive key TTL = (_, %t, %v), want (_, false, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, sid, "f"); ok {
			t.Errorf("Get(f) after non-positive-key-TTL Insert ok = true, want false (session should be deleted)")
		}
		if _, ok, _ := s.Get(ctx, sid, "g"); ok {
			t.Errorf("Get(g) after non-positive-key-TTL Insert ok = true, want false (field must not be written)")
		}
	})

	t.Run("UpdateNegativeKeyTTLDeletesSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		if _, ok, err := s.Update(ctx, sid, "f", []byte("w"), Int64P(-5), nil); err != nil || ok {
			t.Fatalf("Update() with negative key TTL = (_, %t, %v), want (_, false, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, sid, "f"); ok {
			t.Errorf("Get(f) after negative-key-TTL Update ok = true, want false (session should be deleted)")
		}
	})

	t.Run("RemoveOnSessionThatNeverExisted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		if got, err := s.Remove(ctx, sid, "f"); err != nil || got != store.RemoveEmpty {
			t.Fatalf("Remove() on a session that never existed = (%d, %v), want (%d, nil)", got, err, store.RemoveEmpty)
		}
	})

	t.Run("InsertWithRename", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		oldID, newID := mustID(t), mustID(t)

		s.Insert(ctx, oldID, "f", []byte("v"), Int64P(60), nil)
		_, ok, err := s.InsertWithRename(ctx, oldID, newID, "g", []byte("w"), Int64P(60), nil)
		if err != nil || !ok {
			t.Fatalf("InsertWithRename() = (_, %t, %v), want (_, true, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, oldID, "f"); ok {
			t.Errorf("Get(oldID) ok = true, want false")
		}
		got, ok, _ := s.Get(ctx, newID, "g")
		if !ok || string(got) != "w" {
			t.Errorf("Get(newID, g) = (%q, %t), want (\"w\", true)", got, ok)
		}
	})

	t.Run("RenameCollision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		oldID, newID := mustID(t), mustID(t)

		s.Insert(ctx, oldID, "f", []byte("v"), Int64P(60), nil)
		s.Insert(ctx, newID, "g", []byte("v"), Int64P(60), nil)
		if ok, err := s.RenameSessionID(ctx, oldID, newID, nil); err != nil || ok {
			t.Fatalf("RenameSessionID() = (%t, %v), want (false, nil)", ok, err)
		}
	})

	t.Run("RemoveLastFieldEmptiesSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		got, err := s.Remove(ctx, sid, "f")
		if err != nil || got != store.RemoveEmpty {
			t.Fatalf("Remove() = (%d, %v), want (%d, nil)", got, err, store.RemoveEmpty)
		}
	})

	t.Run("RemoveRetainsOtherFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		s.Insert(ctx, sid, "g", []byte("v"), Int64P(60), nil)
		got, err := s.Remove(ctx, sid, "f")
		if err != nil || got != store.RemoveRemaining {
			t.Fatalf("Remove() = (%d, %v), want (%d, nil)", got, err, store.RemoveRemaining)
		}
	})

	t.Run("DeleteIsIdempotentlyFalseAfter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		existed, err := s.Delete(ctx, sid)
		if err != nil || !existed {
			t.Fatalf("Delete() = (%t, %v), want (true, nil)", existed, err)
		}
		existed, err = s.Delete(ctx, sid)
		if err != nil || existed {
			t.Fatalf("second Delete() = (%t, %v), want (false, nil)", existed, err)
		}
	})

	t.Run("ExpireNonPositiveDeletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sid := mustID(t)

		s.Insert(ctx, sid, "f", []byte("v"), Int64P(60), nil)
		if ok, err := s.Expire(ctx, sid, 0); err != nil || !ok {
			t.Fatalf("Expire(0) = (%t, %v), want (true, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, sid, "f"); ok {
			t.Errorf("Get() after Expire(0) ok = true, want false")
		}
	})
}
