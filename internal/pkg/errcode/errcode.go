package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrInvalid
	ErrNotFound
	ErrInternal
	ErrStoreUnavailable
	ErrSchemaMismatch
	ErrDimensionMismatch
	ErrCollectionNotLoaded
	ErrModelUnavailable
	ErrGenerationTimeout
	ErrIngestFailed
	ErrMemoryUnavailable
	ErrTimeout
	ErrTooMany
)
