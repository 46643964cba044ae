package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(20)

	if bf.Has(3) {
		t.Fatalf("expected bit 3 unset initially")
	}
	if !bf.Set(3) {
		t.Fatalf("expected Set to report change")
	}
	if !bf.Has(3) {
		t.Fatalf("expected bit 3 set")
	}
	if bf.Set(3) {
		t.Fatalf("expected Set to report no change when already set")
	}
	if !bf.Clear(3) {
		t.Fatalf("expected Clear to report change")
	}
	if bf.Has(3) {
		t.Fatalf("expected bit 3 unset after Clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)
	if bf.Has(100) {
		t.Fatalf("out-of-range Has must be false")
	}
	if bf.Set(100) {
		t.Fatalf("out-of-range Set must report no change")
	}
}

func TestCountAnyNoneAll(t *testing.T) {
	bf := New(10)
	if bf.Any() || !bf.None() {
		t.Fatalf("freshly created bitfield must be empty")
	}

	for i := 0; i < 10; i++ {
		bf.Set(i)
	}
	if bf.Count() != 10 {
		t.Fatalf("count = %d, want 10", bf.Count())
	}
	if !bf.All(10) {
		t.Fatalf("expected All(10) true when the first 10 bits are set")
	}

	bf.Clear(5)
	if bf.All(10) {
		t.Fatalf("expected All(10) false after clearing a bit")
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(16)
	a.Set(1)
	a.Set(15)

	b := a.Clone()
	if !a.Equals(b) {
		t.Fatalf("clone must equal original")
	}

	b.Set(2)
	if a.Equals(b) {
		t.Fatalf("mutating clone must not affect original")
	}
}

func TestStringRendersSetBits(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Set(7)

	want := "10000001"
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
