// Package events provides the topic->subscribers broker implementations.
//
// Implementations:
//   - redis: Redis Pub/Sub, visible across processes
//   - memory: in-process hub for tests and single-process deployments
package events
