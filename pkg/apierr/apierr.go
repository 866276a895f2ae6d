// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierr is the error taxonomy shared by the RPC and REST surfaces.
//
// Components return *Error values (or wrap them); the surfaces render the
// same error as an HTTP status with a JSON body, or as a JSON-RPC code and
// message.
package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindUpstream       Kind = "upstream"
	KindInternal       Kind = "internal"
)

// Stable machine-readable codes.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeAuthentication    = "AUTHENTICATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeTaskNotCancelable = "TASK_NOT_CANCELABLE"
	CodeUpstream          = "UPSTREAM_ERROR"
	CodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Upstream names the remote party for KindUpstream errors.
	Upstream string
	// Timeout marks an upstream call that ran out of time.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Upstream != "" {
		msg = e.Upstream + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports bad or missing caller input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// MissingField reports a required field that was absent.
func MissingField(field string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf("missing required field: %s", field)}
}

// NotFound reports an unknown task, context or agent.
func NotFound(code string, format string, args ...any) *Error {
	if code == "" {
		code = CodeNotFound
	}
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotCancelable reports a cancel on a task whose session is no longer active.
func NotCancelable(taskID string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeTaskNotCancelable,
		Message: fmt.Sprintf("task %s is not cancelable: session is no longer active", taskID),
	}
}

// Authentication reports a credential acquisition or refresh failure.
func Authentication(err error, format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Code: CodeAuthentication, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream reports a failure attributable to a remote call. Deadline errors
// are marked as timeouts.
func Upstream(upstream string, err error, format string, args ...any) *Error {
	e := &Error{
		Kind:     KindUpstream,
		Code:     CodeUpstream,
		Upstream: upstream,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
	if isTimeout(err) {
		e.Timeout = true
		e.Code = CodeUpstreamTimeout
	}
	return e
}

// Internal wraps an unclassified failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// From classifies any error. Errors already carrying an *Error are returned
// unchanged; anything else becomes KindInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
