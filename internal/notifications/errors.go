package notifications

import "errors"

// Batcher errors.
var (
	ErrDispatchInProgress = errors.New("dispatch already in progress")
	ErrNoTransport        = errors.New("email transport is not configured")
)

// Attachment errors.
var (
	ErrAttachmentStoreMissing = errors.New("attachment references an object but no attachment store is configured")
	ErrAttachmentInvalid      = errors.New("invalid ics attachment")
)
