package models

import "errors"

var (
	// ErrTenantIsolation is returned when a read or write would cross a tenant
	// boundary. It is never recovered from.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("invalid input")

	ErrEmptyContent     = errors.New("document has empty content")
	ErrEmbeddingFailed  = errors.New("embedding failed")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrNotFound         = errors.New("not found")
)
