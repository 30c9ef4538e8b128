package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrDecode indicates an image could not be decoded
	ErrDecode = errors.New("undecodable image")

	// ErrModelTimeout indicates a model call exceeded its deadline
	ErrModelTimeout = errors.New("model timeout")

	// ErrModelRateLimited indicates the model service rejected a call due to rate limiting
	ErrModelRateLimited = errors.New("model rate limited")

	// ErrModelPermanent indicates a malformed or otherwise unretryable model response
	ErrModelPermanent = errors.New("permanent model error")

	// ErrEmbeddingUnavailable indicates a query embedding could not be obtained
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrStoreConsistency indicates a relational row and its vector entry disagree
	ErrStoreConsistency = errors.New("store consistency violation")

	// ErrStoreLocked indicates another process holds the store open for writing
	ErrStoreLocked = errors.New("store locked by another process")

	// ErrNotFound indicates a required record was not found
	ErrNotFound = errors.New("not found")

	// ErrPartialIndex indicates an indexing run completed but some files failed
	ErrPartialIndex = errors.New("some files failed to index")
)
