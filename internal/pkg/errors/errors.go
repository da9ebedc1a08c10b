package errors

import "errors"

var (
	// ErrConnectionUnavailable marks transient reachability failures of the
	// vector store. Callers may retry with backoff.
	ErrConnectionUnavailable = errors.New("vector store connection unavailable")
	// ErrSchemaMismatch marks an existing collection whose schema or index
	// disagrees with the declared one. Never recovered by dropping data.
	ErrSchemaMismatch = errors.New("collection schema mismatch")
	// ErrDimensionMismatch marks vectors whose length disagrees with the
	// collection dimension. The offending batch is rejected before any write.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrCollectionNotLoaded means the collection exists but is not
	// searchable yet. Distinct from an empty result.
	ErrCollectionNotLoaded = errors.New("collection not loaded")
	// ErrModelUnavailable marks transient model service failures.
	ErrModelUnavailable = errors.New("model service unavailable")
	// ErrGenerationTimeout means the completion exceeded its time budget.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrInvalid marks request validation failures, raised before any
	// external call is made.
	ErrInvalid = errors.New("invalid")

	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal")
)

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, ErrModelUnavailable)
}

func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}

func IsNotLoaded(err error) bool {
	return errors.Is(err, ErrCollectionNotLoaded)
}
