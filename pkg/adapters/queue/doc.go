// Package queue provides background job queue implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, job records in hashes
//   - memory: in-memory for testing
package queue
