package api

import "errors"

var (
	ErrNotFound        = errors.New("snapshot endpoint not found")
	ErrRateLimited     = errors.New("rate limited by server")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)
