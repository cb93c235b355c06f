package stt

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by Client is an *Error whose Kind is one of these.
var (
	ErrAuth               = errors.New("authentication failed")
	ErrInvalidAudio       = errors.New("invalid audio input")
	ErrUpload             = errors.New("audio upload failed")
	ErrRecognitionStart   = errors.New("recognition start failed")
	ErrRecognitionTimeout = errors.New("recognition timed out")
	ErrRecognitionFailed  = errors.New("recognition failed")
	ErrResultFetch        = errors.New("result fetch failed")
	ErrTransport          = errors.New("transport error")
)

const bodyPreviewLimit = 512

// Error carries the stage an operation failed in along with its kind
type Error struct {
	Op         string // Stage: token, upload, start, poll, download
	Kind       error  // One of the Err* kinds
	StatusCode int    // HTTP status, 0 when no response was received
	Body       string // Truncated response body or remote error text
	Err        error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "salutespeech %s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func statusError(op string, kind error, statusCode int, body []byte) *Error {
	return &Error{Op: op, Kind: kind, StatusCode: statusCode, Body: preview(body)}
}

func preview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyPreviewLimit {
		s = s[:bodyPreviewLimit] + "..."
	}
	return s
}
