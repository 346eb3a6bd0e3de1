package storage

import "errors"

var (
	// ErrQuotaExceeded is returned when a chat already tracks the maximum number of repositories.
	ErrQuotaExceeded = errors.New("repository quota exceeded")
	// ErrLabelQuotaExceeded is returned when a label set is larger than allowed.
	ErrLabelQuotaExceeded = errors.New("label quota exceeded")
	// ErrAlreadyTracked is returned when the chat already tracks the repository.
	ErrAlreadyTracked = errors.New("repository already tracked")
	// ErrSubscriptionNotFound is returned when the chat does not track the repository.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
