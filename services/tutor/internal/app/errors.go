package app

import "errors"

var (
	// ErrMediaStorageDisabled indicates no object store is configured for uploads.
	ErrMediaStorageDisabled = errors.New("media storage not configured")
	// ErrQuestionAnsweringDisabled indicates the retrieval engine could not be built.
	ErrQuestionAnsweringDisabled = errors.New("question answering not configured")
)
