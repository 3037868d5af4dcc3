// Package storage provides persistence implementations for the graph store,
// the shared execution state store and the resource sample series.
//
// Implementations:
//   - redis: shared across processes (production)
//   - memory: in-process for testing
package storage
