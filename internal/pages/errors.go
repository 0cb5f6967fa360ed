package pages

import "errors"

// Sentinel errors shared across stores and the API layer.
var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrUnknownTool     = errors.New("unknown tool id")
	ErrAccountNotFound = errors.New("account not found")
	ErrEntryNotFound   = errors.New("cache entry not found")
	ErrFetchFailed     = errors.New("fetch failed")
)
