package checks

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmcheck/internal/device"
	"nsmcheck/internal/model"
)

// faultDevice wraps a conforming device and overrides individual
// operations to simulate contract violations.
type faultDevice struct {
	device.Device
	describePCR func(uint16) (device.PCRState, error)
	extendPCR   func(uint16, []byte) ([]byte, error)
	lockPCR     func(uint16) error
	lockPCRs    func(uint16) error
	attest      func(device.AttestationRequest) ([]byte, error)
	getRandom   func(int) ([]byte, error)
}

func (f *faultDevice) DescribePCR(index uint16) (device.PCRState, error) {
	if f.describePCR != nil {
		return f.describePCR(index)
	}
	return f.Device.DescribePCR(index)
}

func (f *faultDevice) ExtendPCR(index uint16, data []byte) ([]byte, error) {
	if f.extendPCR != nil {
		return f.extendPCR(index, data)
	}
	return f.Device.ExtendPCR(index, data)
}

func (f *faultDevice) LockPCR(index uint16) error {
	if f.lockPCR != nil {
		return f.lockPCR(index)
	}
	return f.Device.LockPCR(index)
}

func (f *faultDevice) LockPCRs(rng uint16) error {
	if f.lockPCRs != nil {
		return f.lockPCRs(rng)
	}
	return f.Device.LockPCRs(rng)
}

func (f *faultDevice) Attest(req device.AttestationRequest) ([]byte, error) {
	if f.attest != nil {
		return f.attest(req)
	}
	return f.Device.Attest(req)
}

func (f *faultDevice) GetRandom(n int) ([]byte, error) {
	if f.getRandom != nil {
		return f.getRandom(n)
	}
	return f.Device.GetRandom(n)
}

func newConforming(t *testing.T) (*device.Simulator, *model.Model) {
	t.Helper()
	sim, err := device.NewSimulator(device.DigestSHA384)
	require.NoError(t, err)
	desc, err := sim.Describe()
	require.NoError(t, err)
	m, err := model.New(desc)
	require.NoError(t, err)
	return sim, m
}

func TestDescriptionPasses(t *testing.T) {
	sim, m := newConforming(t)
	desc, err := sim.Describe()
	require.NoError(t, err)

	assert.Nil(t, Description(desc, m))
}

func TestDescriptionViolations(t *testing.T) {
	sim, m := newConforming(t)
	base, err := sim.Describe()
	require.NoError(t, err)

	t.Run("register count", func(t *testing.T) {
		desc := base
		desc.MaxPCRs = 16
		v := Description(desc, m)
		require.NotNil(t, v)
		assert.Equal(t, "description_pcr_count", v.Check)
	})

	t.Run("locked set size", func(t *testing.T) {
		desc := base
		desc.LockedPCRs = desc.LockedPCRs[:15]
		v := Description(desc, m)
		require.NotNil(t, v)
		assert.Equal(t, "description_locked_set", v.Check)
	})

	t.Run("locked set membership", func(t *testing.T) {
		desc := base
		locked := append([]uint16(nil), desc.LockedPCRs...)
		locked[15] = 20
		desc.LockedPCRs = locked
		v := Description(desc, m)
		require.NotNil(t, v)
		assert.Equal(t, "description_locked_set", v.Check)
	})
}

func TestInitialStatePasses(t *testing.T) {
	sim, m := newConforming(t)
	assert.Nil(t, InitialState(sim, m))
}

func TestInitialStateViolations(t *testing.T) {
	sim, m := newConforming(t)

	t.Run("zeroed platform measurement", func(t *testing.T) {
		dev := &faultDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
			if index == 0 {
				return device.PCRState{Lock: true, Value: m.ZeroValue()}, nil
			}
			return sim.DescribePCR(index)
		}}
		v := InitialState(dev, m)
		require.NotNil(t, v)
		assert.Equal(t, "initial_pcr_nonzero", v.Check)
		require.NotNil(t, v.PCR)
		assert.Equal(t, uint16(0), *v.PCR)
	})

	t.Run("wrong width", func(t *testing.T) {
		dev := &faultDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
			pcr, err := sim.DescribePCR(index)
			if err == nil && index == 7 {
				pcr.Value = pcr.Value[:32]
			}
			return pcr, err
		}}
		v := InitialState(dev, m)
		require.NotNil(t, v)
		assert.Equal(t, "initial_pcr_width", v.Check)
	})

	t.Run("open boot register", func(t *testing.T) {
		dev := &faultDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
			pcr, err := sim.DescribePCR(index)
			if err == nil && index == 10 {
				pcr.Lock = false
			}
			return pcr, err
		}}
		v := InitialState(dev, m)
		require.NotNil(t, v)
		assert.Equal(t, "initial_pcr_lock", v.Check)
	})
}

func TestLockImmutability(t *testing.T) {
	sim, m := newConforming(t)
	assert.Nil(t, LockImmutability(sim, m))

	// A device that silently accepts a second lock is non-conforming.
	dev := &faultDevice{Device: sim, lockPCR: func(uint16) error { return nil }}
	v := LockImmutability(dev, m)
	require.NotNil(t, v)
	assert.Equal(t, "lock_immutable", v.Check)
}

func TestExtension(t *testing.T) {
	sim, m := newConforming(t)
	assert.Nil(t, Extension(sim, m, 10))
}

func TestExtensionViolations(t *testing.T) {
	t.Run("stuck register", func(t *testing.T) {
		sim, m := newConforming(t)
		stuck := bytes.Repeat([]byte{0x11}, m.DigestWidth())
		dev := &faultDevice{Device: sim, extendPCR: func(uint16, []byte) ([]byte, error) {
			return stuck, nil
		}}
		v := Extension(dev, m, 3)
		require.NotNil(t, v)
		assert.Equal(t, "extend_chained", v.Check)
	})

	t.Run("zero result", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, extendPCR: func(uint16, []byte) ([]byte, error) {
			return m.ZeroValue(), nil
		}}
		v := Extension(dev, m, 3)
		require.NotNil(t, v)
		assert.Equal(t, "extend_nonzero", v.Check)
	})

	t.Run("truncated result", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, extendPCR: func(index uint16, data []byte) ([]byte, error) {
			value, err := sim.ExtendPCR(index, data)
			if err != nil {
				return nil, err
			}
			return value[:16], nil
		}}
		v := Extension(dev, m, 3)
		require.NotNil(t, v)
		assert.Equal(t, "extend_width", v.Check)
	})
}

func TestLockAndRangeSequence(t *testing.T) {
	sim, m := newConforming(t)

	require.Nil(t, Extension(sim, m, 2))
	require.Nil(t, LockRemaining(sim, m))
	require.Nil(t, RangeLock(sim, m))
	require.Nil(t, PostLockExtension(sim, m))
	require.Nil(t, PostLockReads(sim, m, 10))
}

func TestRangeLockViolations(t *testing.T) {
	t.Run("exact range rejected", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, lockPCRs: func(rng uint16) error {
			return &device.Error{Op: "LockPCRs", Code: device.InvalidIndex}
		}}
		v := RangeLock(dev, m)
		require.NotNil(t, v)
		assert.Equal(t, "range_lock_exact", v.Check)
	})

	t.Run("overflow accepted", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, lockPCRs: func(rng uint16) error { return nil }}
		v := RangeLock(dev, m)
		require.NotNil(t, v)
		assert.Equal(t, "range_lock_overflow", v.Check)
	})
}

func TestPostLockExtensionViolation(t *testing.T) {
	sim, m := newConforming(t)
	require.Nil(t, LockRemaining(sim, m))

	dev := &faultDevice{Device: sim, extendPCR: func(uint16, []byte) ([]byte, error) {
		return bytes.Repeat([]byte{1}, m.DigestWidth()), nil
	}}
	v := PostLockExtension(dev, m)
	require.NotNil(t, v)
	assert.Equal(t, "post_lock_extend", v.Check)
}

func TestPostLockReadViolations(t *testing.T) {
	sim, m := newConforming(t)
	require.Nil(t, Extension(sim, m, 1))
	require.Nil(t, LockRemaining(sim, m))

	t.Run("unlocked register", func(t *testing.T) {
		dev := &faultDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
			pcr, err := sim.DescribePCR(index)
			if err == nil && index == 20 {
				pcr.Lock = false
			}
			return pcr, err
		}}
		v := PostLockReads(dev, m, 1)
		require.NotNil(t, v)
		assert.Equal(t, "post_lock_locked", v.Check)
	})

	t.Run("reserved register written", func(t *testing.T) {
		dev := &faultDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
			pcr, err := sim.DescribePCR(index)
			if err == nil && index == 3 {
				pcr.Value[0] = 0xff
			}
			return pcr, err
		}}
		v := PostLockReads(dev, m, 1)
		require.NotNil(t, v)
		assert.Equal(t, "post_lock_zero", v.Check)
	})
}

func TestAttestation(t *testing.T) {
	sim, m := newConforming(t)
	assert.Nil(t, Attestation(sim, m, 1024))
	assert.Nil(t, Attestation(sim, m, 0))
}

func TestAttestationViolations(t *testing.T) {
	t.Run("empty document", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, attest: func(device.AttestationRequest) ([]byte, error) {
			return nil, nil
		}}
		v := Attestation(dev, m, 1024)
		require.NotNil(t, v)
		assert.Contains(t, v.Check, "attestation_")
		assert.Equal(t, "non-empty attestation document", v.Expected)
	})

	t.Run("oversized document", func(t *testing.T) {
		sim, m := newConforming(t)
		dev := &faultDevice{Device: sim, attest: func(device.AttestationRequest) ([]byte, error) {
			return make([]byte, 17*1024), nil
		}}
		v := Attestation(dev, m, 1024)
		require.NotNil(t, v)
		assert.Contains(t, v.Observed, "17408-byte document")
	})
}

func TestRandomness(t *testing.T) {
	sim, _ := newConforming(t)
	assert.Nil(t, Randomness(sim, 16, 256))
}

func TestRandomnessViolations(t *testing.T) {
	t.Run("short sample", func(t *testing.T) {
		sim, _ := newConforming(t)
		dev := &faultDevice{Device: sim, getRandom: func(n int) ([]byte, error) {
			return sim.GetRandom(n - 1)
		}}
		v := Randomness(dev, 16, 256)
		require.NotNil(t, v)
		assert.Equal(t, "random_length", v.Check)
	})

	t.Run("stalled source", func(t *testing.T) {
		sim, _ := newConforming(t)
		constant := bytes.Repeat([]byte{0x42}, 256)
		dev := &faultDevice{Device: sim, getRandom: func(int) ([]byte, error) {
			return constant, nil
		}}
		v := Randomness(dev, 16, 256)
		require.NotNil(t, v)
		assert.Equal(t, "random_repeat", v.Check)
	})
}

func TestViolationError(t *testing.T) {
	v := pcrViolation("extend_width", 17, "48-byte value", "32-byte value")
	assert.Contains(t, v.Error(), "extend_width")
	assert.Contains(t, v.Error(), "pcr 17")

	v2 := violation("random_repeat", "consecutive samples differ", "identical consecutive samples")
	assert.NotContains(t, v2.Error(), "pcr")
}
