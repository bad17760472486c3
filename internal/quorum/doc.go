// Package quorum fans operations out to the replicas of a key. Writes return
// on the first acknowledgments while the remaining replicas finish in the
// background; reads can race replicas and take the first hit.
package quorum
