package sembow

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// EntryFilter provides efficient entry id filtering for database queries.
// It uses a roaring bitmap for fast membership testing while the inverted
// lists are walked.
type EntryFilter struct {
	bitmap *roaring.Bitmap
}

// entryFilterPool is a sync.Pool for EntryFilter to reduce allocations on
// the query path.
var entryFilterPool = sync.Pool{
	New: func() interface{} {
		return &EntryFilter{
			bitmap: roaring.New(),
		}
	},
}

// NewEntryFilter creates an allowlist filter from a set of entry ids.
// If the id list is empty, returns nil (no filtering). The filter should be
// returned to the pool using ReturnEntryFilter when done.
func NewEntryFilter(entryIDs []EntryID) *EntryFilter {
	if len(entryIDs) == 0 {
		return nil
	}

	filter := entryFilterPool.Get().(*EntryFilter)
	filter.bitmap.Clear()

	for _, id := range entryIDs {
		filter.bitmap.Add(uint32(id))
	}
	return filter
}

// ReturnEntryFilter returns a filter to the pool for reuse. Do not use the
// filter after calling this.
func ReturnEntryFilter(filter *EntryFilter) {
	if filter != nil {
		entryFilterPool.Put(filter)
	}
}

// IsEligible checks if an entry id passes the filter. A nil filter lets
// every entry through.
func (f *EntryFilter) IsEligible(id EntryID) bool {
	if f == nil {
		return true
	}
	return f.bitmap.Contains(uint32(id))
}

// ShouldSkip returns true if the entry should be skipped (not eligible).
// Convenience for continue statements in accumulation loops.
func (f *EntryFilter) ShouldSkip(id EntryID) bool {
	return !f.IsEligible(id)
}

// Count returns the number of eligible entries, or 0 for a nil filter
// (everything eligible, no specific count).
func (f *EntryFilter) Count() uint64 {
	if f == nil {
		return 0
	}
	return f.bitmap.GetCardinality()
}

// intersects reports whether the filter shares any id with the given word's
// entry bitmap. A nil filter intersects everything non-empty.
func (f *EntryFilter) intersects(wordEntries *roaring.Bitmap) bool {
	if wordEntries == nil || wordEntries.IsEmpty() {
		return false
	}
	if f == nil {
		return true
	}
	return f.bitmap.Intersects(wordEntries)
}
