package core

import "testing"

func TestIdentifierPoolReuseBumpsGeneration(t *testing.T) {
	p := NewIdentifierPool(4)
	a := p.Acquire("a")
	b := p.Acquire("b")
	if a.Index == b.Index {
		t.Fatal("duplicate index")
	}
	if err := p.Release(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(a); err == nil {
		t.Fatal("double release accepted")
	}
	c := p.Acquire("c")
	if c.Index != a.Index {
		t.Fatalf("index %d not reused, got %d", a.Index, c.Index)
	}
	if c == a {
		t.Fatal("reused identifier compares equal to stale one")
	}
	if _, ok := p.Owner(a); ok {
		t.Fatal("stale identifier resolved")
	}
	if o, ok := p.Owner(c); !ok || o != "c" {
		t.Fatalf("Owner(c) = %v, %v", o, ok)
	}
	if p.Live() != 2 {
		t.Fatalf("Live = %d, want 2", p.Live())
	}
}

func TestIdentifierPoolReleaseOutOfRange(t *testing.T) {
	p := NewIdentifierPool(0)
	if err := p.Release(Identifier{Index: 3, Generation: 1}); err == nil {
		t.Fatal("expected error")
	}
}
