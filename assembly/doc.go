// Package assembly turns resolved chains into output sequences.
//
// A Resolver routes every fragment to the partition of the chain it belongs
// to. An Assembler then loads one partition's chain map, places the routed
// fragments into their chain slots in a single pass and concatenates each
// chain, trimming the fixed overlap between neighbours, before handing it to
// a sink. Fragments that never had a link are emitted on their own.
package assembly
