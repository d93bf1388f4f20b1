// Package device defines the contract of a Nitro Secure Module style
// attestation device and provides two implementations of it: the real
// /dev/nsm character device (Linux only) and an in-process simulator.
//
// The device exposes a bank of Platform Configuration Registers (PCRs),
// an attestation-document issuance operation and a hardware entropy
// source. All operations are synchronous request/response exchanges;
// the device is a single shared resource and a handle must be closed
// exactly once.
package device

import (
	"errors"
	"fmt"
)

// Error definitions for device handling.
var (
	ErrNotAvailable = errors.New("device: nsm device not available on this platform")
	ErrClosed       = errors.New("device: handle already closed")
)

// Digest identifies the hash algorithm backing the PCR bank.
type Digest string

// Digest algorithms an NSM may report.
const (
	DigestSHA256 Digest = "SHA256"
	DigestSHA384 Digest = "SHA384"
	DigestSHA512 Digest = "SHA512"
)

func (d Digest) String() string { return string(d) }

// ErrorCode is the status taxonomy surfaced by the device.
type ErrorCode int

// Error codes, in wire order.
const (
	Success ErrorCode = iota
	InvalidArgument
	InvalidIndex
	InvalidResponse
	ReadOnlyIndex
	InvalidOperation
	BufferTooSmall
	InputTooLarge
	InternalError
)

var errorCodeNames = [...]string{
	"Success",
	"InvalidArgument",
	"InvalidIndex",
	"InvalidResponse",
	"ReadOnlyIndex",
	"InvalidOperation",
	"BufferTooSmall",
	"InputTooLarge",
	"InternalError",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
	return errorCodeNames[c]
}

// errorCodeFromName maps a wire name back to its code.
func errorCodeFromName(name string) (ErrorCode, bool) {
	for i, n := range errorCodeNames {
		if n == name {
			return ErrorCode(i), true
		}
	}
	return InternalError, false
}

// Error is a non-success status returned by the device for an operation.
type Error struct {
	Op   string
	Code ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("device: %s: %s", e.Op, e.Code)
}

// CodeOf extracts the device error code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return Success, false
}

// Version is the device's reported semantic version.
type Version struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
	Patch uint16 `json:"patch"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Description is the device's self-reported configuration. Read once per
// run; immutable afterwards.
type Description struct {
	Version    Version
	ModuleID   string
	MaxPCRs    uint16
	LockedPCRs []uint16 // sorted, ascending
	Digest     Digest
}

// PCRState is the observable state of a single register.
type PCRState struct {
	Lock  bool
	Value []byte
}

// AttestationRequest carries the optional caller inputs to an attestation
// operation. A nil slice means the field is absent; an empty non-nil slice
// is sent as present with zero length.
type AttestationRequest struct {
	UserData  []byte
	Nonce     []byte
	PublicKey []byte
}

// Device is the handle through which the conformance engine drives an
// attestation device. Implementations need not be safe for concurrent
// use; the engine issues operations strictly sequentially.
type Device interface {
	// Describe returns the device's self-reported configuration.
	Describe() (Description, error)

	// DescribePCR reads the lock flag and current value of one register.
	DescribePCR(index uint16) (PCRState, error)

	// ExtendPCR chains data into the register at index and returns the
	// new register value. Fails with ReadOnlyIndex on a locked register.
	ExtendPCR(index uint16, data []byte) ([]byte, error)

	// LockPCR permanently locks one register. Locking an already locked
	// register is an error, not a no-op.
	LockPCR(index uint16) error

	// LockPCRs locks registers [0, rng). Fails when rng exceeds the
	// register count.
	LockPCRs(rng uint16) error

	// Attest produces a signed attestation document covering the current
	// register state plus the optional caller inputs.
	Attest(req AttestationRequest) ([]byte, error)

	// GetRandom returns exactly n bytes of hardware entropy.
	GetRandom(n int) ([]byte, error)

	// Close releases the device session. Exactly one call succeeds.
	Close() error
}
