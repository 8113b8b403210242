// Package errors defines the sentinel errors shared across the client.
// Call sites wrap these with fmt.Errorf("...: %w", err) and callers test
// with errors.Is.
package errors

import "errors"

// Session and channel errors. Surfaced to the caller for user-visible
// reporting.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrChannelJoinFailed    = errors.New("channel join failed")
	ErrNotInChannel         = errors.New("not in a channel")
)

// Attachment errors.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds upload ceiling")
	ErrUploadFailed    = errors.New("upload failed")
	ErrDownloadFailed  = errors.New("download failed")
	ErrDownloadTimeout = errors.New("download timed out")
)

// Degradation errors. Absorbed at the synchronizer boundary: a failed
// history fetch falls back to the cache, a corrupt cache record is
// skipped. Neither aborts the surrounding operation.
var (
	ErrHistoryFetchFailed = errors.New("history fetch failed")
	ErrCacheCorrupt       = errors.New("cache record corrupt")
)
