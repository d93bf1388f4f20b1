package runner

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmcheck/internal/device"
	"nsmcheck/internal/logging"
	"nsmcheck/internal/report"
)

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
}

// countingDevice tracks Close invocations and optionally overrides
// individual operations to provoke failures.
type countingDevice struct {
	device.Device
	closes      int
	describe    func() (device.Description, error)
	describePCR func(uint16) (device.PCRState, error)
}

func (c *countingDevice) Describe() (device.Description, error) {
	if c.describe != nil {
		return c.describe()
	}
	return c.Device.Describe()
}

func (c *countingDevice) DescribePCR(index uint16) (device.PCRState, error) {
	if c.describePCR != nil {
		return c.describePCR(index)
	}
	return c.Device.DescribePCR(index)
}

func (c *countingDevice) Close() error {
	c.closes++
	return c.Device.Close()
}

func newSim(t *testing.T, digest device.Digest) *device.Simulator {
	t.Helper()
	sim, err := device.NewSimulator(digest)
	require.NoError(t, err)
	return sim
}

func TestRunPassesOnConformingDevice(t *testing.T) {
	for _, digest := range []device.Digest{device.DigestSHA256, device.DigestSHA384, device.DigestSHA512} {
		t.Run(string(digest), func(t *testing.T) {
			opts := DefaultOptions()
			opts.ExtendRepeat = 3
			opts.PostLockReadRepeat = 2
			opts.RandomSamples = 4

			r := New(newSim(t, digest), opts, quietLogger())
			rep, err := r.Run(context.Background())
			require.NoError(t, err)
			require.NotNil(t, rep)

			assert.True(t, rep.Pass)
			assert.Nil(t, rep.Violation)
			assert.Equal(t, StateDone, r.State())
			assert.Equal(t, report.SchemaVersion, rep.SchemaVersion)
			assert.False(t, rep.FinishedAt.Before(rep.StartedAt))

			require.Len(t, rep.Scenarios, 5)
			names := make([]string, 0, len(rep.Scenarios))
			for _, s := range rep.Scenarios {
				assert.True(t, s.Passed)
				names = append(names, s.Name)
			}
			assert.Equal(t, []string{"describe", "initial_pcrs", "locks_and_extend", "attestation", "randomness"}, names)
		})
	}
}

func TestRunReportsDeviceSummary(t *testing.T) {
	sim := newSim(t, device.DigestSHA384)
	desc, err := sim.Describe()
	require.NoError(t, err)

	rep, err := New(sim, DefaultOptions(), quietLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, desc.ModuleID, rep.Device.ModuleID)
	assert.Equal(t, desc.Version.String(), rep.Device.Version)
	assert.Equal(t, uint16(32), rep.Device.MaxPCRs)
	assert.Equal(t, "SHA384", rep.Device.Digest)
	assert.Equal(t, 48, rep.Device.DigestWidth)
}

func TestRunClosesDeviceOnce(t *testing.T) {
	dev := &countingDevice{Device: newSim(t, device.DigestSHA384)}
	_, err := New(dev, DefaultOptions(), quietLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dev.closes)
}

func TestRunStopsAtFirstViolation(t *testing.T) {
	sim := newSim(t, device.DigestSHA384)
	zero := make([]byte, 48)

	// PCR 0 reads back all-zero, which the initial audit must flag.
	dev := &countingDevice{Device: sim, describePCR: func(index uint16) (device.PCRState, error) {
		if index == 0 {
			return device.PCRState{Lock: true, Value: zero}, nil
		}
		return sim.DescribePCR(index)
	}}

	r := New(dev, DefaultOptions(), quietLogger())
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.False(t, rep.Pass)
	assert.Equal(t, StateFailed, r.State())
	require.NotNil(t, rep.Violation)
	assert.Equal(t, "initial_pcr_nonzero", rep.Violation.Check)

	// describe passed, initial_pcrs failed, nothing after ran.
	require.Len(t, rep.Scenarios, 2)
	assert.True(t, rep.Scenarios[0].Passed)
	assert.Equal(t, "initial_pcrs", rep.Scenarios[1].Name)
	assert.False(t, rep.Scenarios[1].Passed)
	assert.Equal(t, 1, dev.closes)
}

func TestRunSetupFailure(t *testing.T) {
	sim := newSim(t, device.DigestSHA384)
	dev := &countingDevice{Device: sim, describe: func() (device.Description, error) {
		return device.Description{}, &device.Error{Op: "DescribeNSM", Code: device.InternalError}
	}}

	r := New(dev, DefaultOptions(), quietLogger())
	rep, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, 1, dev.closes)
}

func TestRunMalformedDescription(t *testing.T) {
	sim := newSim(t, device.DigestSHA384)
	dev := &countingDevice{Device: sim, describe: func() (device.Description, error) {
		desc, err := sim.Describe()
		desc.MaxPCRs = 8
		return desc, err
	}}

	rep, err := New(dev, DefaultOptions(), quietLogger()).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Equal(t, 1, dev.closes)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := &countingDevice{Device: newSim(t, device.DigestSHA384)}
	r := New(dev, DefaultOptions(), quietLogger())
	rep, err := r.Run(ctx)
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, 1, dev.closes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Init", StateInit.String())
	assert.Equal(t, "Done", StateDone.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "State(99)", State(99).String())
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 10, opts.ExtendRepeat)
	assert.Equal(t, 10, opts.PostLockReadRepeat)
	assert.Equal(t, 16, opts.RandomSamples)
	assert.Equal(t, 256, opts.RandomLength)
	assert.Equal(t, 1024, opts.AttestationDataLen)
}
