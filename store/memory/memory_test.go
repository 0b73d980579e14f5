package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/outpostlabs/sessvault/id"
	"github.com/outpostlabs/sessvault/store"
	"github.com/outpostlabs/sessvault/store/memory"
)

func mustID(t *testing.T) id.ID {
	t.Helper()
	sid, err := id.New()
	if err != nil {
		t.Fatalf("id.New() returned unexpected error: %v", err)
	}
	return sid
}

func int64p(v int64) *int64 { return &v }

func TestStoreInsertAndGet(t *testing.T) {
	testCases := []struct {
		name    string
		arrange func(t *testing.T, s *memory.Store, sid id.ID)
		wantOK  bool
		want    []byte
	}{
		{
			name: "found",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {
				if _, ok, err := s.Insert(context.Background(), sid, "f", []byte("v"), int64p(60), nil); err != nil || !ok {
					t.Fatalf("Insert() = (_, %t, %v), want (_, true, nil)", ok, err)
				}
			},
			wantOK: true,
			want:   []byte("v"),
		},
		{
			name:    "missing session",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {},
			wantOK:  false,
		},
		{
			name: "insert rejects existing field",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {
				if _, ok, err := s.Insert(context.Background(), sid, "f", []byte("v"), int64p(60), nil); err != nil || !ok {
					t.Fatalf("Insert() = (_, %t, %v), want (_, true, nil)", ok, err)
				}
				if _, ok, err := s.Insert(context.Background(), sid, "f", []byte("v2"), int64p(60), nil); err != nil || ok {
					t.Fatalf("second Insert() = (_, %t, %v), want (_, false, nil)", ok, err)
				}
			},
			wantOK: true,
			want:   []byte("v"),
		},
		{
			name: "evicted by field ttl",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {
				now := time.Now()
				if _, ok, err := s.Insert(context.Background(), sid, "f", []byte("v"), nil, int64p(60)); err != nil || !ok {
					t.Fatalf("Insert() = (_, %t, %v), want (_, true, nil)", ok, err)
				}
				s.Clock = func() time.Time { return now.Add(90 * time.Second) }
			},
			wantOK: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := memory.New()
			sid := mustID(t)
			tc.arrange(t, s, sid)
			got, ok, err := s.Get(context.Background(), sid, "f")
			if err != nil {
				t.Fatalf("Get() returned unexpected error: %v", err)
			}
			if ok != tc.wantOK {
				t.Fatalf("Get() ok = %t, want %t", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Get() returned incorrect content (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreUpdateUpserts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sid := mustID(t)

	if _, ok, err := s.Update(ctx, sid, "f", []byte("first"), int64p(60), nil); err != nil || !ok {
		t.Fatalf("Update() = (_, %t, %v), want (_, true, nil)", ok, err)
	}
	if _, ok, err := s.Update(ctx, sid, "f", []byte("second"), int64p(60), nil); err != nil || !ok {
		t.Fatalf("Update() = (_, %t, %v), want (_, true, nil)", ok, err)
	}
	got, ok, err := s.Get(ctx, sid, "f")
	if err != nil || !ok {
		t.Fatalf("Get() = (_, %t, %v), want (_, true, nil)", ok, err)
	}
	if diff := cmp.Diff([]byte("second"), got); diff != "" {
		t.Errorf("Get() returned incorrect content (-want +got):\n%s", diff)
	}
}

func TestStoreFieldTTLPersistentSentinel(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sid := mustID(t)
	now := time.Now()
	s.Clock = func() time.Time { return now }

	if _, ok, err := s.Insert(ctx, sid, "f", []byte("v"), nil, int64p(60)); err != nil || !ok {
		t.Fatalf("Insert() = (_, %t, %v), want (_, true, nil)", ok, err)
	}
	if _, ok, err := s.Update(ctx, sid, "f", []byte("v2"), nil, int64p(-1)); err != nil || !ok {
		t.Fatalf("Update() = (_, %t, %v), want (_, true, nil)", ok, err)
	}
	s.Clock = func() time.Time { return now.Add(90 * time.Second) }
	if _, ok, err := s.Get(ctx, sid, "f"); err != nil || !ok {
		t.Fatalf("Get() after persisting field = (_, %t, %v), want (_, true, nil)", ok, err)
	}
}

func TestStoreRemove(t *testing.T) {
	testCases := []struct {
		name    string
		arrange func(t *testing.T, s *memory.Store, sid id.ID)
		field   string
		want    int
	}{
		{
			name: "last field empties session",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {
				s.Insert(context.Background(), sid, "f", []byte("v"), nil, nil)
			},
			field: "f",
			want:  store.RemoveEmpty,
		},
		{
			name: "other fields remain",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {
				s.Insert(context.Background(), sid, "f", []byte("v"), nil, nil)
				s.Insert(context.Background(), sid, "g", []byte("v"), nil, nil)
			},
			field: "f",
			want:  store.RemoveRemaining,
		},
		{
			name:    "missing session",
			arrange: func(t *testing.T, s *memory.Store, sid id.ID) {},
			field:   "f",
			want:    store.RemoveEmpty,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := memory.New()
			sid := mustID(t)
			tc.arrange(t, s, sid)
			got, err := s.Remove(context.Background(), sid, tc.field)
			if err != nil {
				t.Fatalf("Remove() returned unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Remove() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStoreRenameFamily(t *testing.T) {
	ctx := context.Background()

	t.Run("RenameSessionID moves fields", func(t *testing.T) {
		s := memory.New()
		oldID, newID := mustID(t), mustID(t)
		s.Insert(ctx, oldID, "f", []byte("v"), nil, nil)
		ok, err := s.RenameSessionID(ctx, oldID, newID, nil)
		if err != nil || !ok {
			t.Fatalf("RenameSessionID() = (%t, %v), want (true, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, oldID, "f"); ok {
			t.Errorf("Get(oldID) ok = true, want false")
		}
		if _, ok, _ := s.Get(ctx, newID, "f"); !ok {
			t.Errorf("Get(newID) ok = false, want true")
		}
	})

	t.Run("collides with existing new id", func(t *testing.T) {
		s := memory.New()
		oldID, newID := mustID(t), mustID(t)
		s.Insert(ctx, oldID, "f", []byte("v"), nil, nil)
		s.Insert(ctx, newID, "g", []byte("v"), nil, nil)
		ok, err := s.RenameSessionID(ctx, oldID, newID, nil)
		if err != nil || ok {
			t.Fatalf("RenameSessionID() = (%t, %v), want (false, nil)", ok, err)
		}
	})

	t.Run("InsertWithRename", func(t *testing.T) {
		s := memory.New()
		oldID, newID := mustID(t), mustID(t)
		s.Insert(ctx, oldID, "f", []byte("v"), nil, nil)
		_, ok, err := s.InsertWithRename(ctx, oldID, newID, "g", []byte("w"), nil, nil)
		if err != nil || !ok {
			t.Fatalf("InsertWithRename() = (_, %t, %v), want (_, true, nil)", ok, err)
		}
		got, ok, _ := s.Get(ctx, newID, "g")
		if !ok || string(got) != "w" {
			t.Errorf("Get(newID, g) = (%q, %t), want (\"w\", true)", got, ok)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sid := mustID(t)
	s.Insert(ctx, sid, "f", []byte("v"), nil, nil)

	existed, err := s.Delete(ctx, sid)
	if err != nil || !existed {
		t.Fatalf("Delete() = (%t, %v), want (true, nil)", existed, err)
	}
	existed, err = s.Delete(ctx, sid)
	if err != nil || existed {
		t.Fatalf("second Delete() = (%t, %v), want (false, nil)", existed, err)
	}
}

func TestStoreExpire(t *testing.T) {
	ctx := context.Background()

	t.Run("finite ttl", func(t *testing.T) {
		s := memory.New()
		now := time.Now()
		s.Clock = func() time.Time { return now }
		sid := mustID(t)
		s.Insert(ctx, sid, "f", []byte("v"), nil, nil)

		if ok, err := s.Expire(ctx, sid, 60); err != nil || !ok {
			t.Fatalf("Expire() = (%t, %v), want (true, nil)", ok, err)
		}
		s.Clock = func() time.Time { return now.Add(90 * time.Second) }
		if _, ok, _ := s.Get(ctx, sid, "f"); ok {
			t.Errorf("Get() after expiry ok = true, want false")
		}
	})

	t.Run("non-positive deletes immediately", func(t *testing.T) {
		s := memory.New()
		sid := mustID(t)
		s.Insert(ctx, sid, "f", []byte("v"), nil, nil)

		if ok, err := s.Expire(ctx, sid, 0); err != nil || !ok {
			t.Fatalf("Expire() = (%t, %v), want (true, nil)", ok, err)
		}
		if _, ok, _ := s.Get(ctx, sid, "f"); ok {
			t.Errorf("Get() after Expire(0) ok = true, want false")
		}
	})
}

func TestStoreUpdateMany(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	sid := mustID(t)

	err := s.UpdateMany(ctx, sid, []store.FieldValue{
		{Field: "a", Value: []byte("1"), KeyTTL: int64p(60)},
		{Field: "b", Value: []byte("2"), KeyTTL: int64p(60)},
	})
	if err != nil {
		t.Fatalf("UpdateMany() returned unexpected error: %v", err)
	}
	for field, want := range map[string]string{"a": "1", "b": "2"} {
		got, ok, err := s.Get(ctx, sid, field)
		if err != nil || !ok {
			t.Fatalf("Get(%q) = (_, %t, %v), want (_, true, nil)", field, ok, err)
		}
		if string(got) != want {
			t.Errorf("Get(%q) = %q, want %q", field, got, want)
		}
	}
}
