package domain

import "errors"

var (
	// ErrStoreUnavailable is returned while the threat store is not open or is being reset.
	ErrStoreUnavailable = errors.New("threat store unavailable")
	// ErrFeedUnavailable is returned when the update feed cannot answer in time.
	ErrFeedUnavailable = errors.New("update feed unavailable")
	// ErrMalformedBloomFilter is returned when serialized filter data does not describe itself consistently.
	ErrMalformedBloomFilter = errors.New("malformed bloom filter data")
	// ErrDuplicateChunk marks a chunk that was already applied. Callers treat it as a no-op.
	ErrDuplicateChunk = errors.New("chunk already applied")
	// ErrCoordinatorStopped is returned by lifecycle calls made after Stop.
	ErrCoordinatorStopped = errors.New("check coordinator stopped")
	// ErrInvalidRange is returned when a chunk range string cannot be parsed.
	ErrInvalidRange = errors.New("invalid chunk range")
)
