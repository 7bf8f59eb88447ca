package registry

import (
	"net/netip"
	"sync"
	"testing"

	"proxychains/pcx/bridge"
)

func TestInsertLookupRemove(t *testing.T) {
	var r Registry
	b := bridge.New(5, netip.MustParseAddrPort("1.2.3.4:80"))

	if ok := r.Insert(5, b); !ok {
		t.Fatal("expected first Insert to succeed")
	}
	got, ok := r.Lookup(5)
	if !ok || got != b {
		t.Fatalf("Lookup = (%v, %v), want (%v, true)", got, ok, b)
	}

	removed, ok := r.Remove(5)
	if !ok || removed != b {
		t.Fatalf("Remove = (%v, %v), want (%v, true)", removed, ok, b)
	}
	if _, ok := r.Lookup(5); ok {
		t.Fatal("expected Lookup to fail after Remove")
	}
}

func TestInsertRejectsDuplicateFD(t *testing.T) {
	var r Registry
	first := bridge.New(7, netip.MustParseAddrPort("1.2.3.4:80"))
	second := bridge.New(7, netip.MustParseAddrPort("5.6.7.8:443"))

	if !r.Insert(7, first) {
		t.Fatal("expected first insert on fd 7 to succeed")
	}
	if r.Insert(7, second) {
		t.Fatal("expected second insert on the same fd to report not-inserted")
	}
	got, _ := r.Lookup(7)
	if got != first {
		t.Fatal("registry should still hold the first bridge for a reused fd")
	}
}

func TestConcurrentInsertOnSameFDOnlyOneWins(t *testing.T) {
	var r Registry
	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := bridge.New(9, netip.MustParseAddrPort("1.2.3.4:80"))
			wins[i] = r.Insert(9, b)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning Insert, got %d", count)
	}
}
