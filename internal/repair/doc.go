// Package repair reconciles the copies replicas hold for a key using
// last-write-wins versions, and writes the winning copy back to replicas
// that are missing it or hold an older one.
package repair
