// Copyright 2024 The VeridianOS Authors.
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

// Package kerr defines the typed error taxonomy of spec §7: every
// subsystem returns one of these sentinel-style errors (compared with
// errors.Is, following the teacher's pkg/errors/linuxerr convention) and
// pkg/sentry/gate is the sole place that translates them into the stable
// ABI negative error codes of §6.
package kerr

import "errors"

// Kind classifies an Error for the purpose of ABI translation and metrics.
type Kind int

const (
	KindCapability Kind = iota
	KindResource
	KindState
	KindValidation
	KindWouldBlock
	KindTimeout
	KindFatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCapability:
		return "CapabilityError"
	case KindResource:
		return "ResourceError"
	case KindState:
		return "StateError"
	case KindValidation:
		return "ValidationError"
	case KindWouldBlock:
		return "WouldBlock"
	case KindTimeout:
		return "Timeout"
	case KindFatal:
		return "Fatal"
	default:
		return "UnknownError"
	}
}

// Error is a typed kernel error carrying a stable ABI code (§6/§7).
type Error struct {
	Kind Kind
	Code int32
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Is supports errors.Is comparisons against the sentinel values below by
// Kind+Code identity, the same way linuxerr sentinels compare.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

func newErr(k Kind, code int32, msg string) *Error { return &Error{Kind: k, Code: code, msg: msg} }

// Capability errors (§6 "Capability error codes").
var (
	ErrInvalidToken        = newErr(KindCapability, -1, "invalid token")
	ErrInsufficientRights  = newErr(KindCapability, -2, "insufficient rights")
	ErrRevoked             = newErr(KindCapability, -3, "revoked")
	ErrGenerationMismatch  = newErr(KindCapability, -4, "generation mismatch")
	ErrWouldCycle          = newErr(KindCapability, -5, "would cycle")
	ErrNoGrantRight        = newErr(KindCapability, -6, "no grant right")
	ErrObjectGone          = newErr(KindCapability, -7, "object gone")
)

// Resource errors.
var (
	ErrOutOfMemory  = newErr(KindResource, -20, "out of memory")
	ErrQuotaExceeded = newErr(KindResource, -21, "quota exceeded")
	ErrEndpointFull = newErr(KindResource, -22, "endpoint full")
)

// State errors.
var (
	ErrWrongState    = newErr(KindState, -40, "object in wrong state")
	ErrEndpointDead  = newErr(KindState, -41, "endpoint dead")
	ErrPeerDead      = newErr(KindState, -42, "peer dead")
)

// Validation errors.
var (
	ErrBadPointer     = newErr(KindValidation, -60, "bad user pointer")
	ErrInvalidArgument = newErr(KindValidation, -61, "argument out of range")
	ErrOverlap        = newErr(KindValidation, -62, "overlapping mapping")
	ErrUnmapped       = newErr(KindValidation, -63, "unmapped")
	ErrPermissionDenied = newErr(KindValidation, -64, "permission denied")
	ErrTooLarge       = newErr(KindValidation, -65, "message too large")
	ErrUnknownSyscall = newErr(KindValidation, -66, "unknown syscall")
	ErrNotImplemented = newErr(KindValidation, -67, "not implemented in core")
)

// Control errors.
var (
	ErrWouldBlock = newErr(KindWouldBlock, -80, "would block")
	ErrTimeout    = newErr(KindTimeout, -81, "timeout")
)

// Fatal marks an invariant violation. Callers pass it to log.Panic rather
// than returning it across an ABI boundary.
var ErrFatal = newErr(KindFatal, -99, "invariant violation")

// ABICode maps any error into the stable negative return-value space of the
// syscall ABI (§6). Unknown errors map to a generic internal-error code
// rather than leaking a Go error string to user-space.
func ABICode(err error) int32 {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return -1000
}
