package gpu

import (
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
)

const void = 99

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name    string
		gpus    []int
		workers int
		want    map[int][]int
	}{
		{"no gpus", nil, 4, map[int][]int{}},
		{"one per worker", []int{0, 1}, 2, map[int][]int{-1: {0}, -2: {1}}},
		{"more workers than gpus", []int{3}, 2, map[int][]int{-1: {3}}},
		{"split with remainder", []int{0, 1, 2}, 2, map[int][]int{-1: {0, 1}, -2: {2}}},
		{"even split", []int{0, 1, 2, 3}, 2, map[int][]int{-1: {0, 1}, -2: {2, 3}}},
		{"void skipped", []int{0, void, 2}, 3, map[int][]int{-1: {0}, -3: {2}}},
		{"void slot cancelled", []int{void, void, 4}, 2, map[int][]int{-2: {4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := Partition(tt.gpus, tt.workers, void, discardLogger())
			got := tbl.Snapshot()
			if len(got) != len(tt.want) {
				t.Fatalf("Snapshot = %v, want %v", got, tt.want)
			}
			for k, g := range tt.want {
				if !slices.Equal(got[k], g) {
					t.Errorf("slot %d = %v, want %v", k, got[k], g)
				}
			}
		})
	}
}

func TestBookAndFree(t *testing.T) {
	tbl := Partition([]int{0, 1}, 2, void, discardLogger())

	g1, ok := tbl.Book(1)
	if !ok || !slices.Equal(g1, []int{0}) {
		t.Fatalf("Book(1) = %v, %v; want [0], true", g1, ok)
	}
	again, ok := tbl.Book(1)
	if !ok || !slices.Equal(again, g1) {
		t.Errorf("rebooking step 1 = %v, want %v", again, g1)
	}
	g2, ok := tbl.Book(2)
	if !ok || !slices.Equal(g2, []int{1}) {
		t.Fatalf("Book(2) = %v, %v; want [1], true", g2, ok)
	}
	if _, ok := tbl.Book(3); ok {
		t.Error("Book(3) succeeded with no free slot")
	}
	if tbl.HasFree() {
		t.Error("HasFree with all slots booked")
	}

	tbl.Free(1)
	if !tbl.HasFree() {
		t.Error("slot not returned after Free(1)")
	}
	g3, ok := tbl.Book(3)
	if !ok || !slices.Equal(g3, []int{0}) {
		t.Errorf("Book(3) after free = %v, %v; want [0], true", g3, ok)
	}

	// Freeing a step that never booked is a no-op.
	tbl.Free(42)
	if got := tbl.Booked(2); !slices.Equal(got, []int{1}) {
		t.Errorf("Booked(2) = %v, want [1]", got)
	}
}

func TestFreeNeverOverwritesAFreeSlot(t *testing.T) {
	tbl := Partition([]int{0, 1, 2}, 3, void, discardLogger())
	if _, ok := tbl.Book(1); !ok {
		t.Fatal("Book(1) failed")
	}
	tbl.Free(1)
	if got := tbl.FreeGPUs(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Errorf("FreeGPUs = %v, want [0 1 2]", got)
	}
}

func TestRenumber(t *testing.T) {
	tbl := Partition([]int{4, 5, 6}, 2, void, discardLogger())
	tbl.Renumber()
	snap := tbl.Snapshot()
	if !slices.Equal(snap[-1], []int{0, 1}) || !slices.Equal(snap[-2], []int{0}) {
		t.Errorf("Snapshot after Renumber = %v", snap)
	}
}

func TestSlotConservationUnderConcurrency(t *testing.T) {
	configured := []int{0, 1, 2, 3}
	tbl := Partition(configured, 4, void, discardLogger())

	var wg sync.WaitGroup
	for step := 1; step <= 32; step++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, ok := tbl.Book(id); ok {
					checkConservation(t, tbl, configured)
					tbl.Free(id)
				}
			}
		}(step)
	}
	wg.Wait()

	checkConservation(t, tbl, configured)
	if got := tbl.BookedGPUs(); len(got) != 0 {
		t.Errorf("BookedGPUs after all frees = %v", got)
	}
}

func checkConservation(t *testing.T, tbl *Table, configured []int) {
	t.Helper()
	snap := tbl.Snapshot()
	var all []int
	seen := make(map[int]int)
	for k, g := range snap {
		for _, id := range g {
			if prev, dup := seen[id]; dup {
				t.Errorf("gpu %d under keys %d and %d", id, prev, k)
			}
			seen[id] = k
		}
		all = append(all, g...)
	}
	sort.Ints(all)
	if !slices.Equal(all, configured) {
		t.Errorf("union of slots = %v, want %v", all, configured)
	}
}
