// Package storage provides the in-memory TTL store that backs a single cache
// node. Entries carry an absolute expiry and a last-write-wins version so
// that copies migrated between nodes can be merged without coordination.
package storage
