// Copyright 2024 The Aster Authors.
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

// Package kerr holds the standardized error definitions for the virtual
// memory subsystem. Errors are sentinel values and are compared by identity;
// callers outside this subsystem translate them into whatever policy applies
// (signal delivery, thread termination, syscall errno).
package kerr

// Code enumerates the error conditions the memory subsystem can report.
type Code int

// Error codes.
const (
	CodeIllegalArgs Code = iota
	CodeUnmappedAccess
	CodeProtectionViolation
	CodeFixedRangeUnavailable
	CodeNoVirtualSpace
	CodeOutOfPhysicalMemory
	CodeInvalidRange
)

// Error represents a memory subsystem error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

var (
	// ErrIllegalArgs is returned for misaligned or zero-length arguments.
	ErrIllegalArgs = New(CodeIllegalArgs, "illegal arguments")

	// ErrUnmappedAccess is returned through fault continuations when the
	// fault address has no covering mapping.
	ErrUnmappedAccess = New(CodeUnmappedAccess, "access to unmapped address")

	// ErrProtectionViolation is returned through fault continuations when
	// the requested access exceeds the mapping's permissions.
	ErrProtectionViolation = New(CodeProtectionViolation, "access exceeds mapping permissions")

	// ErrFixedRangeUnavailable is returned synchronously by map when the
	// requested fixed address range is not contained in a single free hole.
	ErrFixedRangeUnavailable = New(CodeFixedRangeUnavailable, "fixed range is not available")

	// ErrNoVirtualSpace is returned synchronously by map when no free hole
	// can satisfy an automatically placed mapping.
	ErrNoVirtualSpace = New(CodeNoVirtualSpace, "no hole large enough for mapping")

	// ErrOutOfPhysicalMemory is returned when the frame allocator is
	// exhausted. This layer propagates it without retrying.
	ErrOutOfPhysicalMemory = New(CodeOutOfPhysicalMemory, "out of physical memory")

	// ErrInvalidRange is returned by accessor reads and writes whose offset
	// or length falls outside the acquired range.
	ErrInvalidRange = New(CodeInvalidRange, "offset or length out of bounds")
)
