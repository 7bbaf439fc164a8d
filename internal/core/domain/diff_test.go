package domain

import (
	"testing"
)

func rec(kind IOCKind, value string) IOCRecord {
	return IOCRecord{Kind: kind, Value: value}
}

func TestDiff(t *testing.T) {
	previous := NewKeySet(
		IOCKey{Kind: IPv4, Value: "198.51.100.1"},
		IOCKey{Kind: IPv4, Value: "198.51.100.2"},
	)
	current := []IOCRecord{
		rec(Domain, "b.example.com"),
		rec(IPv4, "198.51.100.2"),
		rec(IPv4, "198.51.100.3"),
		rec(Domain, "a.example.com"),
		rec(IPv4, "198.51.100.3"),
	}

	got := Diff(current, previous)

	wantAdded := []IOCKey{
		{Kind: IPv4, Value: "198.51.100.3"},
		{Kind: Domain, Value: "a.example.com"},
		{Kind: Domain, Value: "b.example.com"},
	}
	if len(got.Added) != len(wantAdded) {
		t.Fatalf("added = %v, want %v", got.Added, wantAdded)
	}
	for i, k := range wantAdded {
		if got.Added[i].Key() != k {
			t.Errorf("added[%d] = %v, want %v", i, got.Added[i].Key(), k)
		}
	}

	if len(got.Removed) != 1 || got.Removed[0] != (IOCKey{Kind: IPv4, Value: "198.51.100.1"}) {
		t.Errorf("removed = %v", got.Removed)
	}
}

func TestDiff_EmptyPrevious(t *testing.T) {
	got := Diff([]IOCRecord{rec(URL, "http://x.example/")}, nil)
	if len(got.Added) != 1 || len(got.Removed) != 0 {
		t.Errorf("diff = %+v", got)
	}
}

func TestDiff_NothingNew(t *testing.T) {
	records := []IOCRecord{rec(IPv4, "198.51.100.1")}
	got := Diff(records, KeysOf(records))
	if len(got.Added) != 0 || len(got.Removed) != 0 {
		t.Errorf("diff against own keys = %+v", got)
	}
}

func TestKeySet(t *testing.T) {
	a := NewKeySet(IOCKey{Kind: IPv4, Value: "1.1.1.1"})
	b := NewKeySet(IOCKey{Kind: Domain, Value: "x.example"})

	u := a.Union(b)
	if len(u) != 2 || len(a) != 1 {
		t.Errorf("Union should not modify its receiver: a=%v u=%v", a, u)
	}
	if !u.Equal(b.Union(a)) {
		t.Error("Union should be commutative")
	}
	if a.Equal(b) {
		t.Error("different sets compared equal")
	}
	if got := u.Strings(); len(got) != 2 || got[0] != "ip:1.1.1.1" || got[1] != "domain:x.example" {
		t.Errorf("Strings = %v", got)
	}
}
