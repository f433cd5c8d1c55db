// Package vm implements the Pyre runtime core.
//
// This package contains:
//   - Tagged single-word value representation
//   - Bump-allocated Spaces and the typed Heap allocator
//   - The copying, two-space garbage collector
//   - Attribute layouts and their memoized transition graph
//   - Runtime root tables: layouts, interned strings, modules, threads
package vm
