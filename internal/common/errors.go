// Package common holds the error taxonomy shared by the manifest parser,
// decryption engine, segment downloader and storage layer.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Error codes used to classify failures across the acquisition pipeline.
const (
	CodeFetch              = "FETCH_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeMalformedManifest  = "MALFORMED_MANIFEST"
	CodeMasterPlaylist     = "MASTER_PLAYLIST"
	CodeNoSegments         = "NO_SEGMENTS"
	CodeKeyFetch           = "KEY_FETCH_FAILED"
	CodeDecryption         = "DECRYPTION_FAILED"
	CodeCancelled          = "CANCELLED"
	CodeStorageWrite       = "STORAGE_WRITE_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeQualityUnavailable = "QUALITY_UNAVAILABLE"
)

// Error represents a classified acquisition failure.
type Error struct {
	Code       string `json:"code"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.URL != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.URL)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so the package sentinels work
// with errors.Is regardless of URL or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrFetch              = &Error{Code: CodeFetch, Message: "fetch failed"}
	ErrTimeout            = &Error{Code: CodeTimeout, Message: "operation timed out"}
	ErrMalformedManifest  = &Error{Code: CodeMalformedManifest, Message: "malformed manifest"}
	ErrMasterPlaylist     = &Error{Code: CodeMasterPlaylist, Message: "master playlist cannot be downloaded directly"}
	ErrNoSegments         = &Error{Code: CodeNoSegments, Message: "media playlist has no segments"}
	ErrKeyFetch           = &Error{Code: CodeKeyFetch, Message: "key fetch failed"}
	ErrDecryption         = &Error{Code: CodeDecryption, Message: "decryption failed"}
	ErrCancelled          = &Error{Code: CodeCancelled, Message: "operation cancelled"}
	ErrStorageWrite       = &Error{Code: CodeStorageWrite, Message: "storage write failed"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrQualityUnavailable = &Error{Code: CodeQualityUnavailable, Message: "quality not available"}
)

// NewError creates a new classified error.
func NewError(code, url, message string, cause error) *Error {
	return &Error{
		Code:    code,
		URL:     url,
		Message: message,
		Cause:   cause,
	}
}

// NewFetchError creates a fetch error carrying the HTTP status, if any.
func NewFetchError(url string, statusCode int, cause error) *Error {
	msg := "fetch failed"
	if statusCode != 0 {
		msg = fmt.Sprintf("fetch failed with HTTP %d", statusCode)
	}
	return &Error{
		Code:       CodeFetch,
		URL:        url,
		StatusCode: statusCode,
		Message:    msg,
		Cause:      cause,
	}
}

// FromContext classifies err against the state of the operation context and
// its parent. A deadline on either becomes ErrTimeout; cancellation of the
// parent becomes ErrCancelled. Other errors are returned unchanged.
func FromContext(parent, op context.Context, url string, err error) error {
	if err == nil {
		return nil
	}
	if parent != nil && parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return NewError(CodeTimeout, url, "operation timed out", err)
		}
		return NewError(CodeCancelled, url, "operation cancelled", parent.Err())
	}
	if op != nil && errors.Is(op.Err(), context.DeadlineExceeded) {
		return NewError(CodeTimeout, url, "operation timed out", err)
	}
	return err
}

// IsCancelled reports whether err represents a cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
