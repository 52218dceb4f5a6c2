package models

import "errors"

// ErrBusy is returned by single-flight workers that are already running a
// command. Callers should retry later.
var ErrBusy = errors.New("worker is busy")
