// Package ports declares the interfaces between the orchestration core and
// its collaborators: graph store, shared state store, broker, job queue,
// resource sample series, sandbox backends and metrics.
package ports
