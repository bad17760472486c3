// Package client is the entry point applications use to read and write the
// cache. It routes each key to its replica set on the hash ring, writes to
// all replicas and returns on the first acknowledgment, and reads from the
// healthiest replica that has the key.
package client
