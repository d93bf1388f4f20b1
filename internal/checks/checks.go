package checks

import (
	"bytes"
	"fmt"

	"nsmcheck/internal/device"
	"nsmcheck/internal/model"
)

// extendInput is the fixed payload every extension check chains into a
// register. The exact bytes are irrelevant; the contract is about the
// shape and freshness of what comes back.
var extendInput = []byte{1, 2, 3}

// maxDocumentSize is the ceiling on a returned attestation document.
const maxDocumentSize = 16 * 1024

// Description verifies the device's self-reported configuration against
// the model: register count, module identity, digest and the exact
// boot-locked set.
func Description(desc device.Description, m *model.Model) *Violation {
	if desc.MaxPCRs != m.Count() {
		return violation("description_pcr_count",
			fmt.Sprintf("%d registers", m.Count()),
			fmt.Sprintf("%d registers", desc.MaxPCRs))
	}
	if desc.ModuleID == "" {
		return violation("description_module_id", "non-empty module id", "empty module id")
	}
	if _, err := model.DigestWidth(desc.Digest); err != nil {
		return violation("description_digest", "digest in {SHA256, SHA384, SHA512}",
			fmt.Sprintf("digest %q", desc.Digest))
	}

	want := m.ExpectedInitialLocks()
	if len(desc.LockedPCRs) != len(want) {
		return violation("description_locked_set",
			fmt.Sprintf("%d boot-locked registers", len(want)),
			fmt.Sprintf("%d boot-locked registers", len(desc.LockedPCRs)))
	}
	for i, index := range want {
		if desc.LockedPCRs[i] != index {
			return violation("description_locked_set",
				fmt.Sprintf("locked set [0..%d)", len(want)),
				fmt.Sprintf("locked set contains %d at position %d", desc.LockedPCRs[i], i))
		}
	}
	return nil
}

// InitialState audits every register once: value width, the zero /
// non-zero layout of the boot measurements, and the boot lock flags.
func InitialState(dev device.Device, m *model.Model) *Violation {
	zero := m.ZeroValue()

	for index := uint16(0); index < m.Count(); index++ {
		pcr, err := dev.DescribePCR(index)
		if err != nil {
			return pcrViolation("initial_pcr_read", index, "DescribePCR success", err.Error())
		}

		if len(pcr.Value) != m.DigestWidth() {
			return pcrViolation("initial_pcr_width", index,
				fmt.Sprintf("%d-byte value", m.DigestWidth()),
				fmt.Sprintf("%d-byte value", len(pcr.Value)))
		}

		isZero := bytes.Equal(pcr.Value, zero)
		switch {
		case m.ExpectedNonZero(index) && isZero:
			return pcrViolation("initial_pcr_nonzero", index, "non-zero platform measurement", "all-zero value")
		case m.ExpectedZeroPreLock(index) && !isZero:
			return pcrViolation("initial_pcr_zero", index, "all-zero value before first extension", "non-zero value")
		}

		if want := m.BootLocked(index); pcr.Lock != want {
			return pcrViolation("initial_pcr_lock", index,
				fmt.Sprintf("lock=%t", want), fmt.Sprintf("lock=%t", pcr.Lock))
		}
	}
	return nil
}

// LockImmutability verifies that a boot-locked register rejects LockPCR
// outright. A silent second lock would hide the one-way transition, so
// success here is itself the violation.
func LockImmutability(dev device.Device, m *model.Model) *Violation {
	for index := uint16(0); index < model.BootLockedPCRs; index++ {
		if err := dev.LockPCR(index); err == nil {
			return pcrViolation("lock_immutable", index,
				"LockPCR rejected on locked register", "LockPCR succeeded")
		}
	}
	return nil
}

// Extension extends every unlocked register repeat times with a fixed
// input. Each response must succeed, have the digest width, be non-zero,
// and differ from the previous response: chaining is never idempotent.
func Extension(dev device.Device, m *model.Model, repeat int) *Violation {
	zero := m.ZeroValue()

	for index := uint16(model.BootLockedPCRs); index < m.Count(); index++ {
		var prev []byte
		for i := 0; i < repeat; i++ {
			value, err := dev.ExtendPCR(index, extendInput)
			if err != nil {
				return pcrViolation("extend_unlocked", index, "ExtendPCR success", err.Error())
			}
			if len(value) != m.DigestWidth() {
				return pcrViolation("extend_width", index,
					fmt.Sprintf("%d-byte value", m.DigestWidth()),
					fmt.Sprintf("%d-byte value", len(value)))
			}
			if bytes.Equal(value, zero) {
				return pcrViolation("extend_nonzero", index, "non-zero chained value", "all-zero value")
			}
			if prev != nil && bytes.Equal(value, prev) {
				return pcrViolation("extend_chained", index,
					"distinct value on repeated extension", "identical value twice")
			}
			prev = value
		}
	}
	return nil
}

// LockRemaining locks every register the boot left unlocked, one at a
// time. After it passes, the whole bank is locked.
func LockRemaining(dev device.Device, m *model.Model) *Violation {
	for index := uint16(model.BootLockedPCRs); index < m.Count(); index++ {
		if err := dev.LockPCR(index); err != nil {
			return pcrViolation("lock_unlocked", index, "LockPCR success", err.Error())
		}
	}
	return nil
}

// RangeLock probes the exact boundary of the bulk lock operation: the
// full register count must succeed and count+1 must fail. No off-by-one
// tolerance in either direction.
func RangeLock(dev device.Device, m *model.Model) *Violation {
	if err := dev.LockPCRs(m.Count()); err != nil {
		return violation("range_lock_exact",
			fmt.Sprintf("LockPCRs(%d) success", m.Count()), err.Error())
	}
	if err := dev.LockPCRs(m.Count() + 1); err == nil {
		return violation("range_lock_overflow",
			fmt.Sprintf("LockPCRs(%d) rejected", m.Count()+1),
			fmt.Sprintf("LockPCRs(%d) succeeded", m.Count()+1))
	}
	return nil
}

// PostLockExtension verifies that after global locking no register at
// all accepts extension, including the ones locked from boot.
func PostLockExtension(dev device.Device, m *model.Model) *Violation {
	for index := uint16(0); index < m.Count(); index++ {
		if _, err := dev.ExtendPCR(index, extendInput); err == nil {
			return pcrViolation("post_lock_extend", index,
				"ExtendPCR rejected on locked register", "ExtendPCR succeeded")
		}
	}
	return nil
}

// PostLockReads re-reads the whole bank repeat times after global
// locking: every register reports locked, the reserved registers stay
// zero, everything else is non-zero, and repeated reads are stable.
func PostLockReads(dev device.Device, m *model.Model, repeat int) *Violation {
	zero := m.ZeroValue()

	for i := 0; i < repeat; i++ {
		for index := uint16(0); index < m.Count(); index++ {
			pcr, err := dev.DescribePCR(index)
			if err != nil {
				return pcrViolation("post_lock_read", index, "DescribePCR success", err.Error())
			}
			if len(pcr.Value) != m.DigestWidth() {
				return pcrViolation("post_lock_width", index,
					fmt.Sprintf("%d-byte value", m.DigestWidth()),
					fmt.Sprintf("%d-byte value", len(pcr.Value)))
			}
			if !pcr.Lock {
				return pcrViolation("post_lock_locked", index, "lock=true after global lock", "lock=false")
			}

			isZero := bytes.Equal(pcr.Value, zero)
			if m.ExpectedZeroPreLock(index) {
				if !isZero {
					return pcrViolation("post_lock_zero", index, "all-zero reserved register", "non-zero value")
				}
			} else if isZero {
				return pcrViolation("post_lock_nonzero", index, "non-zero register value", "all-zero value")
			}
		}
	}
	return nil
}

// Attestation exercises the document issuance operation across the four
// input presence combinations at dataLen bytes each, plus the all-present
// zero-length combination. Every call must yield a non-empty document
// within the size ceiling.
func Attestation(dev device.Device, m *model.Model, dataLen int) *Violation {
	data := bytes.Repeat([]byte{128}, dataLen)
	empty := []byte{}

	combos := []struct {
		name string
		req  device.AttestationRequest
	}{
		{"no_data", device.AttestationRequest{}},
		{"user_data", device.AttestationRequest{UserData: data}},
		{"user_data_nonce", device.AttestationRequest{UserData: data, Nonce: data}},
		{"user_data_nonce_public_key", device.AttestationRequest{UserData: data, Nonce: data, PublicKey: data}},
		{"all_empty", device.AttestationRequest{UserData: empty, Nonce: empty, PublicKey: empty}},
	}

	for _, combo := range combos {
		doc, err := dev.Attest(combo.req)
		if err != nil {
			return violation("attestation_"+combo.name, "Attestation success", err.Error())
		}
		if len(doc) == 0 {
			return violation("attestation_"+combo.name, "non-empty attestation document", "empty document")
		}
		if len(doc) > maxDocumentSize {
			return violation("attestation_"+combo.name,
				fmt.Sprintf("document within %d bytes", maxDocumentSize),
				fmt.Sprintf("%d-byte document", len(doc)))
		}
	}
	return nil
}

// Randomness draws samples consecutive blocks from the random source.
// Each block must have exactly the requested length and differ from its
// immediate predecessor. A liveness check, not a randomness proof.
func Randomness(dev device.Device, samples, length int) *Violation {
	var prev []byte
	for i := 0; i < samples; i++ {
		random, err := dev.GetRandom(length)
		if err != nil {
			return violation("random_sample", "GetRandom success", err.Error())
		}
		if len(random) != length {
			return violation("random_length",
				fmt.Sprintf("%d random bytes", length),
				fmt.Sprintf("%d random bytes", len(random)))
		}
		if prev != nil && bytes.Equal(random, prev) {
			return violation("random_repeat", "consecutive samples differ", "identical consecutive samples")
		}
		prev = random
	}
	return nil
}
