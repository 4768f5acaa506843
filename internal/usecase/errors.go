package usecase

import "errors"

// ErrNoChange is returned from an Update callback to skip the write.
var ErrNoChange = errors.New("no change")
