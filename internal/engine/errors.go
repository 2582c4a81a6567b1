package engine

import "errors"

var (
	ErrNotFound              = errors.New("not_found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrAllocationFailed      = errors.New("allocation_failed")
	ErrCapacity              = errors.New("capacity_full")
	ErrInvalidGrant          = errors.New("invalid_resource_grant")
	ErrCredentialUnavailable = errors.New("credential_unavailable")
)
