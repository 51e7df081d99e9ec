// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams, one consumer group per subscription
//   - memory: In-process fan-out for single-instance deployments and tests
package events
