// Package store persists run data on the local machine. Every record a run
// produces is appended to a transaction log before it is sent anywhere, so
// offline runs can be replayed later. A sqlite index tracks the runs that
// exist locally and whether they have been synced.
package store

import "errors"

// ErrRunNotFound is returned when a run is not in the index
var ErrRunNotFound = errors.New("run not found")
