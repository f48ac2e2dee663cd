// Package download multiplexes image requests onto a bounded pool of network
// operations. Each distinct URL owns at most one operation; every caller that
// asks for the same URL gets its own Token attached to that operation and
// receives the shared progress and completion events. Cancelling the last
// Token of an operation aborts its network transfer and frees the worker slot.
package download
