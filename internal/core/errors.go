// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"github.com/pkg/errors"
)

// Error is our own defined error type for classifying failures of a
// certification run. Components return Error values wrapped with context
// (via github.com/pkg/errors), and callers recover the kind with Kind.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	// ErrProbe is returned when the multipath status query is unavailable or
	// fails. It is retryable within a deadline.
	ErrProbe

	// ErrConfigResolution is returned when vendor attributes or a matching
	// multipath policy can't be found. It only downgrades the policy display.
	ErrConfigResolution

	// ErrInjection is returned when the fault-injection callout fails.
	ErrInjection

	// ErrIO is returned when the I/O exerciser fails to write to the device.
	ErrIO

	// ErrConvergenceTimeout is returned when path state doesn't reach the
	// expected count before the deadline.
	ErrConvergenceTimeout

	// ErrPrecondition is returned when the device can't be failover-tested,
	// e.g. it has no paths at all.
	ErrPrecondition

	// ErrCleanup is returned when releasing test resources fails and manual
	// remediation is needed.
	ErrCleanup

	// ErrCorruptData is returned when a pattern read back from the device
	// doesn't match what was written.
	ErrCorruptData

	// ErrInvalidArgument is returned for bad configuration or arguments.
	ErrInvalidArgument

	// ErrAborted is returned when a run was asked to stop.
	ErrAborted
)

var description = map[Error]string{
	NoError: "no error",

	ErrProbe:              "multipath status query failed",
	ErrConfigResolution:   "multipath policy resolution failed",
	ErrInjection:          "path fault injection failed",
	ErrIO:                 "I/O to device failed",
	ErrConvergenceTimeout: "path state did not converge in time",
	ErrPrecondition:       "device does not meet test preconditions",
	ErrCleanup:            "failed to release test resources",
	ErrCorruptData:        "data read back does not match data written",
	ErrInvalidArgument:    "invalid argument",
	ErrAborted:            "run aborted",
}

func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "unknown error"
}

// Error returns a go error for 'e', or nil for NoError.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is returns true if 'err', after unwrapping, is of kind 'e'.
func (e Error) Is(err error) bool {
	k, ok := Kind(err)
	return ok && k == e
}

type goError Error

func (g goError) Error() string {
	return (Error)(g).String()
}

// Kind returns the Error kind at the root of a (possibly wrapped) error.
func Kind(err error) (Error, bool) {
	if err == nil {
		return NoError, true
	}
	e, ok := errors.Cause(err).(goError)
	return Error(e), ok
}

// Errorf returns an error of kind 'e' annotated with the formatted message.
func (e Error) Errorf(format string, args ...interface{}) error {
	return errors.Wrapf(e.Error(), format, args...)
}

// IsRetriable returns true if an operation failing with 'err' may succeed
// if attempted again later.
func IsRetriable(err error) bool {
	k, _ := Kind(err)
	switch k {
	case ErrProbe, ErrIO:
		return true
	}
	return false
}
