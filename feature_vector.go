package sembow

// FeatureVector is the direct-index side of a transform: a sparse mapping
// from a vocabulary node at the direct-index level to the ordered set of
// original descriptor indices that fell under that node.
//
// Indices within each node are in descriptor order (the order the extractor
// produced them), which downstream geometric matching relies on.
type FeatureVector map[NodeID][]int

// Append records that the descriptor at index idx was quantized under the
// given direct-index node.
func (fv FeatureVector) Append(id NodeID, idx int) {
	fv[id] = append(fv[id], idx)
}

// Indices returns the descriptor indices recorded under the given node, or
// nil if no descriptor of the image fell under it.
func (fv FeatureVector) Indices(id NodeID) []int {
	return fv[id]
}

// Clone returns a deep copy of the feature vector.
func (fv FeatureVector) Clone() FeatureVector {
	out := make(FeatureVector, len(fv))
	for id, idxs := range fv {
		out[id] = append([]int(nil), idxs...)
	}
	return out
}
