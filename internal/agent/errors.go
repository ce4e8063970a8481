// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies agent failures. The gateway maps kinds to HTTP
// statuses without inspecting dialect specifics.
type ErrorKind string

const (
	// ErrorKindNetwork is a transport failure: refused, reset, DNS.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindTimeout is a deadline hit before the backend answered.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindUpstream is a non-2xx response; StatusCode and Body are set.
	ErrorKindUpstream ErrorKind = "upstream"
	// ErrorKindInvalidResponse is a 2xx whose body could not be parsed.
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
	// ErrorKindUnsupported means the backend lacks the requested operation.
	ErrorKindUnsupported ErrorKind = "unsupported"
	// ErrorKindConfiguration is a malformed agent setup, e.g. a bad URL.
	ErrorKindConfiguration ErrorKind = "configuration"
)

// Error is the single error type agents return.
type Error struct {
	Kind ErrorKind
	// Op names the failed operation, e.g. "chat_completion".
	Op string
	// StatusCode and Body are populated for ErrorKindUpstream only. Body is
	// truncated to a sane size and may be empty.
	StatusCode int
	Body       []byte
	// Err is the underlying cause, when one exists.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorKindUpstream:
		return fmt.Sprintf("%s: upstream returned status %d", e.Op, e.StatusCode)
	case ErrorKindUnsupported:
		return fmt.Sprintf("%s: not supported by this backend", e.Op)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts the *Error from err's chain. The second return is false
// for foreign errors, which callers should treat as internal.
func AsError(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

// Unsupported builds the error every capability-gated operation returns on
// backends lacking it.
func Unsupported(op string) *Error {
	return &Error{Kind: ErrorKindUnsupported, Op: op}
}

func newUpstreamError(op string, status int, body []byte) *Error {
	const maxBody = 8 << 10
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{Kind: ErrorKindUpstream, Op: op, StatusCode: status, Body: body}
}

func newInvalidResponseError(op string, err error) *Error {
	return &Error{Kind: ErrorKindInvalidResponse, Op: op, Err: err}
}

func newConfigurationError(op string, err error) *Error {
	return &Error{Kind: ErrorKindConfiguration, Op: op, Err: err}
}

// classifyTransport turns an http.Client error into a timeout or network
// error. Deadline expiry can surface either as context.DeadlineExceeded or
// as a net.Error with Timeout() set, depending on where it fired.
func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorKindTimeout, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrorKindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: ErrorKindNetwork, Op: op, Err: err}
}
