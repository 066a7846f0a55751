package gpu

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// Table maps free-slot keys (negative) and step ids (positive) to GPU ids.
// A GPU id is never present under two keys.
type Table struct {
	mu     sync.Mutex
	slots  map[int][]int
	origin map[int]int
	logger *slog.Logger
}

// Partition distributes gpus over workers. With more GPUs than workers each
// worker slot gets floor(len/workers) GPUs and the remainder goes to the first
// slots; otherwise every GPU gets its own slot. Void ids are skipped and a
// slot left without GPUs is dropped.
func Partition(gpus []int, workers, void int, logger *slog.Logger) *Table {
	t := &Table{
		slots:  make(map[int][]int),
		origin: make(map[int]int),
		logger: logger,
	}
	if len(gpus) == 0 {
		return t
	}
	if workers < 1 {
		workers = 1
	}

	if len(gpus) > workers {
		chunk := len(gpus) / workers
		spare := len(gpus) % workers
		from := 0
		for node := 1; node <= workers; node++ {
			to := from + chunk
			if spare > 0 {
				to++
				spare--
			}
			assigned := withoutVoid(gpus[from:to], void)
			if len(assigned) == 0 {
				logger.Info("gpu slot cancelled, all ids void", "node", node, "gpus", gpus[from:to])
			} else {
				logger.Debug("gpus assigned to node", "node", node, "gpus", assigned)
				t.slots[-node] = assigned
			}
			from = to
		}
	} else {
		if workers > len(gpus) {
			logger.Warn("fewer gpus than workers, some steps will wait for a gpu slot",
				"gpus", len(gpus), "workers", workers)
		}
		for i, g := range gpus {
			if g == void {
				logger.Info("void gpu in list, skipping slot", "gpu", g)
				continue
			}
			t.slots[-i-1] = []int{g}
		}
	}

	gpuSlotsFree.Set(float64(t.freeCount()))
	return t
}

func withoutVoid(gpus []int, void int) []int {
	out := make([]int, 0, len(gpus))
	for _, g := range gpus {
		if g != void {
			out = append(out, g)
		}
	}
	return out
}

// Empty reports whether the table holds no slots at all.
func (t *Table) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) == 0
}

// HasFree reports whether a free slot exists.
func (t *Table) HasFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeCount() > 0
}

func (t *Table) freeCount() int {
	n := 0
	for k := range t.slots {
		if k < 0 {
			n++
		}
	}
	return n
}

// Book assigns a free slot to stepID and returns its GPUs. A step that
// already holds a slot gets the same one back. ok is false when no slot is free.
func (t *Table) Book(stepID int) (gpus []int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g, held := t.slots[stepID]; held {
		return slices.Clone(g), true
	}

	key, found := t.firstFree()
	if !found {
		return nil, false
	}
	g := t.slots[key]
	delete(t.slots, key)
	t.slots[stepID] = g
	t.origin[stepID] = key
	gpuSlotsFree.Dec()
	t.logger.Debug("gpus booked", "step", stepID, "gpus", g)
	return slices.Clone(g), true
}

// firstFree returns the free key closest to zero so slot order is stable.
func (t *Table) firstFree() (int, bool) {
	best, found := 0, false
	for k := range t.slots {
		if k < 0 && (!found || k > best) {
			best, found = k, true
		}
	}
	return best, found
}

// Free returns the slot held by stepID to the free pool. Steps that never
// booked a slot are ignored.
func (t *Table) Free(stepID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, held := t.slots[stepID]
	if !held || stepID < 0 {
		return
	}
	delete(t.slots, stepID)
	key := t.origin[stepID]
	delete(t.origin, stepID)
	if _, taken := t.slots[key]; taken || key >= 0 {
		key = -stepID - 1
		for {
			if _, taken := t.slots[key]; !taken {
				break
			}
			key--
		}
	}
	t.slots[key] = g
	gpuSlotsFree.Inc()
	t.logger.Debug("gpus freed", "step", stepID, "gpus", g)
}

// Booked returns the GPUs held by stepID, or nil.
func (t *Table) Booked(stepID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.slots[stepID])
}

// Renumber rewrites the GPU ids of every slot as 0..k-1. Queue engines assign
// device visibility themselves, so jobs only need local indices.
func (t *Table) Renumber() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, g := range t.slots {
		local := make([]int, len(g))
		for i := range local {
			local[i] = i
		}
		t.slots[k] = local
	}
}

// Snapshot returns a copy of the table.
func (t *Table) Snapshot() map[int][]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int][]int, len(t.slots))
	for k, g := range t.slots {
		out[k] = slices.Clone(g)
	}
	return out
}

// FreeGPUs returns the sorted GPU ids in free slots.
func (t *Table) FreeGPUs() []int { return t.collect(func(k int) bool { return k < 0 }) }

// BookedGPUs returns the sorted GPU ids held by steps.
func (t *Table) BookedGPUs() []int { return t.collect(func(k int) bool { return k > 0 }) }

func (t *Table) collect(match func(int) bool) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for k, g := range t.slots {
		if match(k) {
			out = append(out, g...)
		}
	}
	sort.Ints(out)
	return out
}
