package domain

import "errors"

var (
	// ErrTransientTransport means the request could not be completed after
	// the configured retries.
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrMalformedResponse means the service answered but the payload could
	// not be decoded or normalized. The batch is abandoned.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrCatalogLoad means the entity catalog could not be read.
	ErrCatalogLoad = errors.New("catalog load failed")

	// ErrSchemaMismatch means a flush disagrees with the shape of the
	// existing store.
	ErrSchemaMismatch = errors.New("store schema mismatch")
)
