// Package arena provides a flat backing vector with index-pair handles.
//
// Neighbour lists and chain member lists are stored as [Span] values pointing
// into one shared [Vec] per read batch instead of one slice allocation per
// record. Spans never carry pointers, so a batch can be dropped with a single
// Reset.
package arena
