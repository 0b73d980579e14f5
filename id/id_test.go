package id_test

import (
	"testing"

	"github.com/outpostlabs/sessvault/id"
)

func TestNewRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		got, err := id.New()
		if err != nil {
			t.Fatalf("New() returned unexpected error: %v", err)
		}
		s := got.String()
		if len(s) != 22 {
			t.Fatalf("String() = %q, want length 22", s)
		}
		parsed, ok := id.Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed, want success", s)
		}
		if parsed != got {
			t.Fatalf("Parse(String()) = %v, want %v", parsed, got)
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[id.ID]bool)
	for i := 0; i < 1000; i++ {
		got, err := id.New()
		if err != nil {
			t.Fatalf("New() returned unexpected error: %v", err)
		}
		if seen[got] {
			t.Fatalf("New() produced a duplicate id: %v", got)
		}
		seen[got] = true
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "too short", in: "abc"},
		{name: "too long", in: "AAAAAAAAAAAAAAAAAAAAAAA"},
		{name: "wrong length decode", in: "AAAAAAAAAAAAAAAAAAAAAA="},
		{name: "invalid base64", in: "!!!!!!!!!!!!!!!!!!!!!!"},
		{name: "padded encoding", in: "AAAAAAAAAAAAAAAAAAAAAA=="},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := id.Parse(tc.in); ok {
				t.Fatalf("Parse(%q) succeeded, want failure", tc.in)
			}
		})
	}
}

func TestParseZeroValue(t *testing.T) {
	if !id.Zero.IsZero() {
		t.Fatalf("Zero.IsZero() = false, want true")
	}
	got, err := id.New()
	if err != nil {
		t.Fatalf("New() returned unexpected error: %v", err)
	}
	if got.IsZero() {
		t.Fatalf("New() produced a zero id")
	}
	parsed, ok := id.Parse(id.Zero.String())
	if !ok || !parsed.IsZero() {
		t.Fatalf("Parse(Zero.String()) = (%v, %t), want (Zero, true)", parsed, ok)
	}
}
