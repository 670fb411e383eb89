package matrix

// Stats counts cache activity since the matrix was created.
type Stats struct {
	// Hits and Misses count column-cache lookups.
	Hits   uint64
	Misses uint64
	// Loads counts whole-column reads from blob storage.
	Loads uint64
	// Flushes counts writes to blob storage.
	Flushes   uint64
	Evictions uint64
	Clashes   uint64
	// WindowMoves counts row-window reloads.
	WindowMoves uint64
}

// Sub returns the activity between an earlier snapshot and s.
func (s Stats) Sub(earlier Stats) Stats {
	return Stats{
		Hits:        s.Hits - earlier.Hits,
		Misses:      s.Misses - earlier.Misses,
		Loads:       s.Loads - earlier.Loads,
		Flushes:     s.Flushes - earlier.Flushes,
		Evictions:   s.Evictions - earlier.Evictions,
		Clashes:     s.Clashes - earlier.Clashes,
		WindowMoves: s.WindowMoves - earlier.WindowMoves,
	}
}
