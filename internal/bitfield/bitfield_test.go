package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(20)

	if bf.Has(3) {
		t.Fatalf("expected bit 3 unset initially")
	}

	if !bf.Set(3) {
		t.Fatalf("expected Set to report a transition")
	}
	if bf.Set(3) {
		t.Fatalf("expected Set on an already-set bit to report no transition")
	}
	if !bf.Has(3) {
		t.Fatalf("expected bit 3 set")
	}

	if !bf.Clear(3) {
		t.Fatalf("expected Clear to report a transition")
	}
	if bf.Has(3) {
		t.Fatalf("expected bit 3 unset after Clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)

	if bf.Has(-1) || bf.Has(8) || bf.Has(100) {
		t.Fatalf("out-of-range Has must report false")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatalf("out-of-range Set must report false")
	}
}

func TestCountAndAll(t *testing.T) {
	bf := New(10)
	for i := 0; i < 10; i++ {
		bf.Set(i)
	}

	if !bf.All() {
		t.Fatalf("expected All() once every piece index is set")
	}
	if bf.Count() != 10 {
		t.Fatalf("expected Count()==10, got %d", bf.Count())
	}

	bf2 := New(10)
	for i := 0; i < 9; i++ {
		bf2.Set(i)
	}
	if bf2.All() {
		t.Fatalf("All() must not count padding bits beyond nbits")
	}
}

func TestIterate(t *testing.T) {
	bf := New(16)
	bf.Set(1)
	bf.Set(4)
	bf.Set(15)

	var got []int
	bf.Iterate(func(i int) bool {
		got = append(got, i)
		return true
	})

	want := []int{1, 4, 15}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIterateStopsEarly(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)

	count := 0
	bf.Iterate(func(i int) bool {
		count++
		return false
	})

	if count != 1 {
		t.Fatalf("expected iteration to stop after first callback, got %d calls", count)
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	bf := New(12)
	bf.Set(0)
	bf.Set(11)

	raw := bf.Bytes()
	bf2 := FromBytes(raw, 12)

	if !bf.Equals(bf2) {
		t.Fatalf("round-tripped bitfield does not match original")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	clone := bf.Clone()
	clone.Set(1)

	if bf.Has(1) {
		t.Fatalf("mutating clone must not affect original")
	}
}
