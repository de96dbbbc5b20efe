// Package links implements round-based compaction of a partitioned link
// graph into maximal chains.
//
// Fragments are addressed by partition.Key. Each fragment side lists its
// candidate neighbours; a side links to a neighbour only when the neighbour's
// side lists it back as its sole candidate. The Compactor then contracts the
// resulting paths and cycles. Every round reads one bucket file per
// partition, processes partitions independently and writes the surviving
// segments and the merge messages for the next round into a fresh bucket set.
// Resolved chains go to the chain map, keyed by their home fragment, and
// every member is mapped back to its home in the results map.
package links
