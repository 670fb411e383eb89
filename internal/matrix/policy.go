package matrix

// SlotInfo describes one occupied column-cache slot to an EvictionPolicy.
type SlotInfo struct {
	Column   int
	Admitted uint64
	LastUsed uint64
}

// EvictionPolicy chooses which column-cache slot gives up its column when a
// new column must be loaded into a full cache.
type EvictionPolicy interface {
	Name() string
	// Victim returns an index into slots, which is never empty.
	Victim(slots []SlotInfo) int
}

// FIFO evicts the column that was admitted first, regardless of use.
var FIFO EvictionPolicy = fifo{}

// LRU evicts the column that was accessed least recently.
var LRU EvictionPolicy = lru{}

// PolicyByName returns the policy for a configuration name ("fifo" or "lru").
func PolicyByName(name string) (EvictionPolicy, bool) {
	switch name {
	case "", "fifo":
		return FIFO, true
	case "lru":
		return LRU, true
	}
	return nil, false
}

type fifo struct{}

func (fifo) Name() string { return "fifo" }

func (fifo) Victim(slots []SlotInfo) int {
	best := 0
	for i := 1; i < len(slots); i++ {
		if slots[i].Admitted < slots[best].Admitted {
			best = i
		}
	}
	return best
}

type lru struct{}

func (lru) Name() string { return "lru" }

func (lru) Victim(slots []SlotInfo) int {
	best := 0
	for i := 1; i < len(slots); i++ {
		if slots[i].LastUsed < slots[best].LastUsed {
			best = i
		}
	}
	return best
}
