package policy

// Package policy holds the per-process authorization policy and the request
// gate that evaluates it.
//
// A Policy is built once at startup from CLI configuration and shared
// read-only by every connection handler; it is never mutated afterwards, so
// no synchronization is used or needed.
