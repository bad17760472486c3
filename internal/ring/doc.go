// Package ring implements a consistent hashing ring with virtual nodes.
// It maps keys to physical nodes while minimizing key movement when
// membership changes and supports selection of replica sets.
//
// The ring is copy-on-write: mutations build a new immutable View and
// publish it atomically, so lookups never wait on AddNode or RemoveNode.
package ring
