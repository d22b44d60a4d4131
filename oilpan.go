// ABOUTME: Main oilpan package providing version information and package documentation
// ABOUTME: This is the root package for the tracing garbage collector library

// Package oilpan provides a Blink-style tracing garbage collector for
// explicitly managed object graphs. It includes size-class-segregated arenas,
// incremental and concurrent marking over segmented worklists, lazy sweeping,
// and an optional compaction phase for vector backing stores.
package oilpan

// Version is the semantic version of the oilpan library
const Version = "0.1.0-dev"
