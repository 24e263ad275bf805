// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package zerr defines the closed set of error kinds that message
// handlers return. The service frame maps each kind to an ack, nack,
// or re-publish decision.
package zerr

import (
	"errors"
	"fmt"
)

// Kind identifies how a failed message should be treated.
type Kind int

const (
	// Unknown errors are treated as fatal for the current message.
	Unknown Kind = iota
	// Validation failures are structural or semantic violations
	// of an invariant. Always fatal; the message is deadlettered.
	Validation
	// TransientUpstream means a collaborator is not ready yet.
	// Recovered by delayed redelivery.
	TransientUpstream
	// Submission means a batch scheduler rejected a job.
	Submission
	// Filesystem errors arise while materializing artifacts.
	Filesystem
	// RecipeStoreMiss means a named recipe does not exist.
	RecipeStoreMiss
	// Transport errors abort the current transaction and rely on
	// broker redelivery.
	Transport
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	Validation:        "validation",
	TransientUpstream: "transient upstream",
	Submission:        "submission",
	Filesystem:        "filesystem",
	RecipeStoreMiss:   "recipe store miss",
	Transport:         "transport",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error annotated with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Validationf returns a Validation error. Like fmt.Errorf, the %w verb
// may be used to wrap a cause.
func Validationf(format string, args ...interface{}) error {
	return newf(Validation, format, args...)
}

func TransientUpstreamf(format string, args ...interface{}) error {
	return newf(TransientUpstream, format, args...)
}

func Submissionf(format string, args ...interface{}) error {
	return newf(Submission, format, args...)
}

func Filesystemf(format string, args ...interface{}) error {
	return newf(Filesystem, format, args...)
}

func RecipeStoreMissf(format string, args ...interface{}) error {
	return newf(RecipeStoreMiss, format, args...)
}

func Transportf(format string, args ...interface{}) error {
	return newf(Transport, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
