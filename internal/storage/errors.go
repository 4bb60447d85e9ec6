package storage

import "errors"

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrRunEnded is returned when ending a run that has already ended.
var ErrRunEnded = errors.New("storage: run already ended")
