package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected  = errors.New("not connected to sync server")
	ErrMaxReconnects = errors.New("maximum reconnect attempts reached")
)

// Sync errors.
var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAPIRequest       = errors.New("API request failed")
	ErrAPIResponse      = errors.New("unexpected API response")
)
