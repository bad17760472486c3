// Package health tracks whether each storage node can serve requests.
//
// A node goes from Healthy to Unhealthy after a run of consecutive failed
// probes, or immediately when a client reports a failed request. One
// successful probe brings it back. Transitions are delivered to listeners
// asynchronously and in the order they happened.
package health
