// Package testutil provides deterministic generators for tests and benchmarks.
//
// This package is intended for use in tests only. It depends on no other
// package of the module so that any package can use it from its own tests.
//
// # Random Sequences
//
//	rng := testutil.NewRNG(seed)
//	seq := rng.DNA(1000)
//	rc := testutil.ReverseComplement(seq)
//
// # Synthetic Chains
//
//	c := rng.Chain(100, 5, 31, 64, false) // 5 overlapping fragments, k=31
//	// c.Fragments carry their candidate links, c.Sequence the expected assembly
package testutil
