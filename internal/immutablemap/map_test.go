package immutablemap

import "testing"

func TestSetDoesNotMutateReceiver(t *testing.T) {
	m0 := Empty[string, int]()
	m1 := m0.Set("a", 1)

	if _, ok := m0.Get("a"); ok {
		t.Fatalf("m0 should not observe m1's write")
	}
	v, ok := m1.Get("a")
	if !ok || v != 1 {
		t.Fatalf("m1.Get(a) = %v, %v; want 1, true", v, ok)
	}
}

func TestDeleteAbsentKeyReturnsSameContents(t *testing.T) {
	m0 := Empty[string, int]().Set("a", 1)
	m1 := m0.Delete("missing")

	if m1.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", m1.Len())
	}
}

func TestFilter(t *testing.T) {
	m := Empty[string, int]().Set("a", 1).Set("b", 2).Set("c", 3)
	odd := m.Filter(func(_ string, v int) bool { return v%2 == 1 })

	if odd.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", odd.Len())
	}
	if _, ok := odd.Get("b"); ok {
		t.Fatalf("b should have been filtered out")
	}
}

func TestKeysSnapshot(t *testing.T) {
	m := Empty[string, int]().Set("a", 1).Set("b", 2)
	keys := m.Keys()
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d; want 2", len(keys))
	}
}
