package auth

import "errors"

// ErrUnauthorized is returned when a request carries no usable identity.
var ErrUnauthorized = errors.New("auth: unauthorized")
