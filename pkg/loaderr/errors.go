/*
Copyright 2026 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package loaderr defines the error kinds surfaced by the image loading
// pipeline, so that callers can decide how to render or retry a failed
// request.
package loaderr

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientNetwork is a timeout-class failure that survived all retries.
	KindTransientNetwork
	// KindTerminalNetwork is a bad status, malformed response, or refused connection.
	KindTerminalNetwork
	// KindStorage is a disk cache failure: no space, create or rename failed.
	KindStorage
	// KindDecode is malformed bytes, an empty decode, a decoder that
	// isn't ready, or an image over the decode memory budget.
	KindDecode
	// KindMisuse is an unknown URI scheme or degenerate tile geometry.
	KindMisuse
	// KindCanceled is a request that observed its own cancellation.
	// It is a terminal outcome, not a failure.
	KindCanceled
	// KindOverload is a request dropped from a saturated queue.
	KindOverload
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient-network"
	case KindTerminalNetwork:
		return "terminal-network"
	case KindStorage:
		return "storage"
	case KindDecode:
		return "decode"
	case KindMisuse:
		return "misuse"
	case KindCanceled:
		return "canceled"
	case KindOverload:
		return "overload"
	}
	return "unknown"
}

var (
	// ErrCanceled is the cause of every canceled outcome.
	ErrCanceled = errors.New("request canceled")

	// ErrQueueSaturated is the cause of a request that a full worker
	// queue discarded to make room for newer work.
	ErrQueueSaturated = errors.New("worker queue saturated")

	// ErrUnknownScheme is returned for URIs no opener handles.
	ErrUnknownScheme = errors.New("unknown URI scheme")
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string // e.g. "download", "decode", "diskcache.commit"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns err classified as kind. If err is nil, a generic
// error naming op is used.
func New(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.Newf("%s failed", op)
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Newf is like New but with a formatted cause.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.NewWithDepthf(1, format, args...)}
}

// Canceled returns a canceled outcome observed at the named checkpoint.
func Canceled(checkpoint string) error {
	return &Error{Kind: KindCanceled, Op: checkpoint, Err: ErrCanceled}
}

// KindOf reports the kind of the outermost classified error in err's
// chain. Context cancellation is reported as KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) {
		return KindCanceled
	}
	if errors.Is(err, ErrQueueSaturated) {
		return KindOverload
	}
	return KindUnknown
}

// IsCanceled reports whether err is a canceled outcome.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
