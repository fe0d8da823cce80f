package repo

import "errors"

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")
