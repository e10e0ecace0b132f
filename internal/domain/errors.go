package domain

import "errors"

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrNotFound            = errors.New("not found")
	ErrInternal            = errors.New("internal failure")
)
