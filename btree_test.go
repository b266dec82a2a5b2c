package lattice

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
)

func TestTimeBTree_InsertAndRange(t *testing.T) {
	tree := newTimeBTree(3)

	for i := 0; i < 100; i++ {
		tree.insert(pointKey{ts: int64(i), id: fmt.Sprintf("p%03d", i)})
	}
	if tree.count() != 100 {
		t.Fatalf("count = %d, want 100", tree.count())
	}

	keys := tree.rangeKeys(pointKey{ts: 10}, 20, 0)
	if len(keys) != 11 {
		t.Fatalf("expected 11 keys, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if !keys[i-1].less(keys[i]) {
			t.Errorf("keys out of order at %d: %v then %v", i, keys[i-1], keys[i])
		}
	}
	if keys[0].ts != 10 || keys[len(keys)-1].ts != 20 {
		t.Errorf("range bounds wrong: %v .. %v", keys[0], keys[len(keys)-1])
	}
}

func TestTimeBTree_DuplicateTimestampsOrderByID(t *testing.T) {
	tree := newTimeBTree(3)

	ids := []string{"z", "m", "a", "q", "b"}
	for _, id := range ids {
		tree.insert(pointKey{ts: 5, id: id})
	}
	tree.insert(pointKey{ts: 4, id: "before"})
	tree.insert(pointKey{ts: 6, id: "after"})

	keys := tree.rangeKeys(pointKey{ts: 5}, 5, 0)
	if len(keys) != len(ids) {
		t.Fatalf("expected %d keys, got %d", len(ids), len(keys))
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i, k := range keys {
		if k.id != sorted[i] {
			t.Errorf("position %d: got %q, want %q", i, k.id, sorted[i])
		}
	}
}

func TestTimeBTree_HighByteIDAtUpperBound(t *testing.T) {
	tree := newTimeBTree(3)

	// The upper bound is a timestamp, so ids of any byte content at the end
	// timestamp are included.
	high := strings.Repeat("\xff", 16)
	tree.insert(pointKey{ts: 100, id: high})
	tree.insert(pointKey{ts: 100, id: "a"})
	tree.insert(pointKey{ts: 101, id: "beyond"})

	keys := tree.rangeKeys(pointKey{ts: 0}, 100, 0)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].id != "a" || keys[1].id != high {
		t.Errorf("wrong keys: %q, %q", keys[0].id, keys[1].id)
	}
}

func TestTimeBTree_InsertIdempotent(t *testing.T) {
	tree := newTimeBTree(3)
	tree.insert(pointKey{ts: 1, id: "a"})
	tree.insert(pointKey{ts: 1, id: "a"})

	if tree.count() != 1 {
		t.Errorf("count = %d, want 1", tree.count())
	}
}

func TestTimeBTree_Remove(t *testing.T) {
	tree := newTimeBTree(3)
	for i := 0; i < 50; i++ {
		tree.insert(pointKey{ts: int64(i), id: fmt.Sprintf("p%02d", i)})
	}

	if !tree.remove(pointKey{ts: 25, id: "p25"}) {
		t.Fatal("remove of present key failed")
	}
	if tree.remove(pointKey{ts: 25, id: "p25"}) {
		t.Error("second remove should fail")
	}
	if tree.remove(pointKey{ts: 25, id: "other"}) {
		t.Error("remove of absent id should fail")
	}
	if tree.count() != 49 {
		t.Errorf("count = %d, want 49", tree.count())
	}

	keys := tree.rangeKeys(pointKey{ts: 0}, 49, 0)
	for _, k := range keys {
		if k.ts == 25 {
			t.Errorf("removed key still present: %v", k)
		}
	}
	if len(keys) != 49 {
		t.Errorf("range returned %d keys, want 49", len(keys))
	}
}

func TestTimeBTree_RangeLimit(t *testing.T) {
	tree := newTimeBTree(3)
	for i := 0; i < 100; i++ {
		tree.insert(pointKey{ts: int64(i), id: fmt.Sprintf("p%03d", i)})
	}

	keys := tree.rangeKeys(pointKey{ts: 0}, 99, 7)
	if len(keys) != 7 {
		t.Fatalf("expected 7 keys, got %d", len(keys))
	}
	for i, k := range keys {
		if k.ts != int64(i) {
			t.Errorf("limit must keep the earliest keys: position %d has ts %d", i, k.ts)
		}
	}
}

func TestTimeBTree_RandomizedAgainstSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tree := newTimeBTree(4)

	var all []pointKey
	for i := 0; i < 1000; i++ {
		k := pointKey{ts: int64(rng.Intn(200)), id: fmt.Sprintf("p%04d", i)}
		tree.insert(k)
		all = append(all, k)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].less(all[j]) })

	for q := 0; q < 25; q++ {
		lo := int64(rng.Intn(200))
		hi := lo + int64(rng.Intn(50))

		var want []pointKey
		for _, k := range all {
			if k.ts >= lo && k.ts <= hi {
				want = append(want, k)
			}
		}

		got := tree.rangeKeys(pointKey{ts: lo}, hi, 0)
		if len(got) != len(want) {
			t.Fatalf("query [%d,%d]: got %d keys, want %d", lo, hi, len(got), len(want))
		}
		for i := range got {
			if !got[i].equal(want[i]) {
				t.Fatalf("query [%d,%d] position %d: got %v, want %v", lo, hi, i, got[i], want[i])
			}
		}
	}
}
