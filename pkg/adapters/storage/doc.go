// Package storage provides run snapshot storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: In-process map with lazy expiry
package storage
