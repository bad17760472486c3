// Package clock issues last-write-wins version stamps. A stamp orders writes
// by hybrid wall-clock time and breaks ties by the origin that issued it, so
// any two stamps are totally ordered and replicas converge on the same value.
package clock
