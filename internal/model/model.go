// Package model holds the expected shape of a conforming device's
// register bank, derived once per run from the device's self-reported
// description. Checks compare observed device state against it.
package model

import (
	"errors"
	"fmt"

	"nsmcheck/internal/device"
)

// ErrInvalidDescription marks a device description the model cannot be
// built from. This is a setup error: no scenario runs after it.
var ErrInvalidDescription = errors.New("model: invalid device description")

// Hardware constants of the register bank contract.
const (
	// RequiredPCRCount is the fixed register count every conforming
	// device reports.
	RequiredPCRCount = 32

	// BootLockedPCRs is the count of registers locked from boot,
	// occupying indices [0, BootLockedPCRs).
	BootLockedPCRs = 16

	// MaxModuleIDLen bounds the reported module identifier.
	MaxModuleIDLen = 256
)

// Model is the validated expectation for one device run.
type Model struct {
	desc  device.Description
	width int
}

// New validates a description and builds the model from it.
func New(desc device.Description) (*Model, error) {
	if desc.MaxPCRs != RequiredPCRCount {
		return nil, fmt.Errorf("%w: register count %d, want %d", ErrInvalidDescription, desc.MaxPCRs, RequiredPCRCount)
	}
	if desc.ModuleID == "" {
		return nil, fmt.Errorf("%w: empty module id", ErrInvalidDescription)
	}
	if len(desc.ModuleID) > MaxModuleIDLen {
		return nil, fmt.Errorf("%w: module id is %d bytes, limit %d", ErrInvalidDescription, len(desc.ModuleID), MaxModuleIDLen)
	}
	width, err := DigestWidth(desc.Digest)
	if err != nil {
		return nil, err
	}
	return &Model{desc: desc, width: width}, nil
}

// DigestWidth maps a digest tag to its register value width in bytes.
func DigestWidth(d device.Digest) (int, error) {
	switch d {
	case device.DigestSHA256:
		return 32, nil
	case device.DigestSHA384:
		return 48, nil
	case device.DigestSHA512:
		return 64, nil
	default:
		return 0, fmt.Errorf("%w: unknown digest %q", ErrInvalidDescription, d)
	}
}

// Description returns the description this model was built from.
func (m *Model) Description() device.Description { return m.desc }

// Count returns the register count.
func (m *Model) Count() uint16 { return m.desc.MaxPCRs }

// DigestWidth returns the fixed register value width for this run.
func (m *Model) DigestWidth() int { return m.width }

// ZeroValue returns a fresh all-zero register value of the model's width.
func (m *Model) ZeroValue() []byte { return make([]byte, m.width) }

// ExpectedInitialLocks returns the exact set of indices that must be
// locked at boot: [0, 16), contiguous and sorted.
func (m *Model) ExpectedInitialLocks() []uint16 {
	locks := make([]uint16, BootLockedPCRs)
	for i := range locks {
		locks[i] = uint16(i)
	}
	return locks
}

// BootLocked reports whether index must be locked at boot.
func (m *Model) BootLocked(index uint16) bool {
	return index < BootLockedPCRs
}

// ExpectedNonZero reports whether index must hold a non-zero value from
// boot: the platform measurements 0..2 and the parent instance register 4.
func (m *Model) ExpectedNonZero(index uint16) bool {
	switch index {
	case 0, 1, 2, 4:
		return true
	}
	return false
}

// ExpectedZeroPreLock reports whether index must be all-zero before
// anything is extended: register 3 and registers 5..15.
func (m *Model) ExpectedZeroPreLock(index uint16) bool {
	return index < BootLockedPCRs && !m.ExpectedNonZero(index)
}
