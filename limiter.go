package sembow

// limitResults truncates a sorted result list to at most k entries.
//
// k <= 0 means "no results": a query asking for zero results gets an empty
// list, not an error and not everything. k beyond the available results
// returns them all.
func limitResults(results []Result, k int) []Result {
	if k <= 0 {
		return results[:0]
	}
	if k > len(results) {
		k = len(results)
	}
	return results[:k]
}
