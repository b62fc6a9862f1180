package sembow

import (
	"runtime"
	"sync"
)

const (
	// UnassignedCluster indicates a descriptor hasn't been assigned to any
	// cluster yet.
	UnassignedCluster = -1

	// parallelAssignThreshold is the minimum number of descriptors before the
	// assignment step is fanned out across worker goroutines. Below this the
	// goroutine overhead outweighs the work.
	parallelAssignThreshold = 512
)

// DefaultMaxIter is the default maximum number of iterations for k-majority
// clustering.
var DefaultMaxIter = 20

// KMajority performs k-majority clustering of binary descriptors under
// Hamming distance. It is the binary analogue of k-means: the assignment
// step picks the nearest centroid by exact Hamming distance, and the update
// step replaces each centroid with the majority-vote bit pattern (MeanValue)
// of its members.
//
// The whole procedure is deterministic for a fixed input order:
//   - INITIALIZATION: uniform spacing - every (n/k)-th descriptor seeds a
//     centroid, no randomness involved.
//   - ASSIGNMENT: nearest centroid by Hamming distance, ties broken by the
//     lowest centroid index.
//   - UPDATE: majority vote per bit over each cluster's members; an empty
//     cluster keeps its previous centroid.
//   - REPEAT until no assignment changes or maxIter is reached.
//
// Iterations are inherently sequential (each depends on the previous
// assignment), but within one iteration the per-descriptor assignment work is
// independent and is partitioned across worker goroutines for large inputs,
// synchronizing at the iteration boundary.
//
// Parameters:
//   - descriptors: descriptors to cluster, all of equal length
//   - k: number of clusters to create
//   - maxIter: maximum iterations; values <= 0 fall back to DefaultMaxIter
//
// Returns the k centroids and, for each input descriptor, the index of the
// cluster it was assigned to. Empty input or k <= 0 returns (nil, nil).
// If k exceeds the input size it is clamped to len(descriptors).
func KMajority(descriptors []Descriptor, k, maxIter int) (centroids []Descriptor, assignment []int) {
	if len(descriptors) == 0 || k <= 0 {
		return nil, nil
	}
	if k > len(descriptors) {
		k = len(descriptors)
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}

	// ═══════════════════════════════════════════════════════════════════════
	// STEP 1: INITIALIZE CENTROIDS (uniform spacing, deterministic)
	// ═══════════════════════════════════════════════════════════════════════
	centroids = make([]Descriptor, k)
	samplingStep := len(descriptors) / k
	if samplingStep == 0 {
		samplingStep = 1
	}
	for clusterIdx := 0; clusterIdx < k; clusterIdx++ {
		descIdx := clusterIdx * samplingStep
		if descIdx >= len(descriptors) {
			descIdx = len(descriptors) - 1
		}
		centroids[clusterIdx] = NewDescriptor(append([]byte(nil), descriptors[descIdx].Bits...))
	}

	assignment = make([]int, len(descriptors))
	for i := range assignment {
		assignment[i] = UnassignedCluster
	}

	// ═══════════════════════════════════════════════════════════════════════
	// STEP 2-4: ITERATE UNTIL CONVERGENCE
	// ═══════════════════════════════════════════════════════════════════════
	for iteration := 0; iteration < maxIter; iteration++ {
		// ASSIGNMENT STEP: nearest centroid per descriptor.
		changed := assignAll(descriptors, centroids, assignment)

		// CONVERGENCE CHECK: stable assignment means we're done.
		if !changed {
			break
		}

		// UPDATE STEP: majority-vote centroid per cluster.
		members := make([][]Descriptor, k)
		for descIdx, clusterIdx := range assignment {
			members[clusterIdx] = append(members[clusterIdx], descriptors[descIdx])
		}
		for clusterIdx := range centroids {
			// An empty cluster keeps its old centroid; it may attract
			// descriptors again in a later iteration.
			if len(members[clusterIdx]) > 0 {
				centroids[clusterIdx] = MeanValue(members[clusterIdx])
			}
		}
	}

	return centroids, assignment
}

// assignAll runs one assignment step, writing the nearest-centroid index for
// every descriptor into assignment. It reports whether any assignment
// changed. Large inputs are partitioned across GOMAXPROCS workers; each
// worker owns a disjoint slice range, so no locking is needed.
func assignAll(descriptors []Descriptor, centroids []Descriptor, assignment []int) bool {
	if len(descriptors) < parallelAssignThreshold {
		return assignRange(descriptors, centroids, assignment, 0, len(descriptors))
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(descriptors) {
		workers = len(descriptors)
	}
	chunk := (len(descriptors) + workers - 1) / workers

	changedBy := make([]bool, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(descriptors) {
			hi = len(descriptors)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			changedBy[w] = assignRange(descriptors, centroids, assignment, lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()

	for _, c := range changedBy {
		if c {
			return true
		}
	}
	return false
}

// assignRange assigns descriptors[lo:hi] to their nearest centroids and
// reports whether any assignment in the range changed.
func assignRange(descriptors []Descriptor, centroids []Descriptor, assignment []int, lo, hi int) bool {
	changed := false
	for descIdx := lo; descIdx < hi; descIdx++ {
		nearest := nearestCentroid(descriptors[descIdx].Bits, centroids)
		if assignment[descIdx] != nearest {
			assignment[descIdx] = nearest
			changed = true
		}
	}
	return changed
}

// nearestCentroid returns the index of the centroid with minimum Hamming
// distance to the given bit string. Ties go to the lowest index, which keeps
// clustering and word lookup reproducible for identical input order.
func nearestCentroid(bits []byte, centroids []Descriptor) int {
	best := 0
	bestDist := hamming(bits, centroids[0].Bits)
	for clusterIdx := 1; clusterIdx < len(centroids); clusterIdx++ {
		d := hamming(bits, centroids[clusterIdx].Bits)
		if d < bestDist {
			bestDist = d
			best = clusterIdx
		}
	}
	return best
}
