// Package draw implements the deterministic daily draw.
//
// A draw maps (scheduler id, pool, day index) to one pool element. Every
// client that holds the same inputs computes the same answer without talking
// to anyone, and a pool of n entries is exhausted without repetition over each
// run of n consecutive days (a cycle) before the next cycle starts with a
// different order.
//
// The package has no state: every call replays the current cycle from its
// first day, which costs O(n) per call for the small pools it is meant for.
package draw
