// Package runner drives the conformance scenarios against one device
// session. Scenarios run in a fixed order and the first violation ends
// the run: every check asserts a deterministic property of a security
// contract, so a retry could only mask a real finding.
package runner

import (
	"context"
	"fmt"
	"time"

	"nsmcheck/internal/checks"
	"nsmcheck/internal/device"
	"nsmcheck/internal/logging"
	"nsmcheck/internal/model"
	"nsmcheck/internal/report"
)

// State is the runner's position in the scenario sequence.
type State int

// Runner states, in transition order. StateFailed is reachable from any
// non-terminal state; StateDone and StateFailed are terminal.
const (
	StateInit State = iota
	StateDescribeValidated
	StateInitialPCRsAudited
	StateLocksAndExtendAudited
	StateAttestationAudited
	StateRandomnessAudited
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"Init",
	"DescribeValidated",
	"InitialPCRsAudited",
	"LocksAndExtendAudited",
	"AttestationAudited",
	"RandomnessAudited",
	"Done",
	"Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Options are the suite's repetition and sizing parameters.
type Options struct {
	// ExtendRepeat is how many times each unlocked register is extended.
	ExtendRepeat int

	// PostLockReadRepeat is how many full-bank read passes follow the
	// global lock.
	PostLockReadRepeat int

	// RandomSamples is the number of consecutive entropy draws.
	RandomSamples int

	// RandomLength is the byte length of each entropy draw.
	RandomLength int

	// AttestationDataLen is the byte length of each optional
	// attestation input.
	AttestationDataLen int
}

// DefaultOptions returns the canonical suite parameters.
func DefaultOptions() Options {
	return Options{
		ExtendRepeat:       10,
		PostLockReadRepeat: 10,
		RandomSamples:      16,
		RandomLength:       256,
		AttestationDataLen: 1024,
	}
}

// Runner owns one device session for the duration of a run. The session
// is acquired by the caller, handed to New, and released by Run exactly
// once on every exit path.
type Runner struct {
	dev   device.Device
	opts  Options
	log   *logging.Logger
	state State
}

// New creates a runner over an open device session.
func New(dev device.Device, opts Options, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	return &Runner{
		dev:   dev,
		opts:  opts,
		log:   log.WithComponent("runner"),
		state: StateInit,
	}
}

// State returns the runner's current state.
func (r *Runner) State() State { return r.state }

// scenario is one named audit step and the state reached when it passes.
type scenario struct {
	name string
	next State
	run  func() *checks.Violation
}

// Run executes the full scenario sequence. A non-nil error is a setup
// failure (malformed description, unreachable device); a conformance
// violation is reported through the returned Report with Pass=false.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	defer func() {
		if err := r.dev.Close(); err != nil {
			r.log.Warn("device close failed", "error", err)
		}
	}()

	desc, err := r.dev.Describe()
	if err != nil {
		r.state = StateFailed
		return nil, fmt.Errorf("describe device: %w", err)
	}

	m, err := model.New(desc)
	if err != nil {
		r.state = StateFailed
		return nil, err
	}

	rep := &report.Report{
		SchemaVersion: report.SchemaVersion,
		StartedAt:     time.Now().UTC(),
		Device: report.DeviceSummary{
			ModuleID:    desc.ModuleID,
			Version:     desc.Version.String(),
			MaxPCRs:     desc.MaxPCRs,
			Digest:      desc.Digest.String(),
			DigestWidth: m.DigestWidth(),
		},
	}

	scenarios := []scenario{
		{"describe", StateDescribeValidated, func() *checks.Violation {
			return checks.Description(desc, m)
		}},
		{"initial_pcrs", StateInitialPCRsAudited, func() *checks.Violation {
			return checks.InitialState(r.dev, m)
		}},
		{"locks_and_extend", StateLocksAndExtendAudited, func() *checks.Violation {
			return r.auditLocksAndExtend(m)
		}},
		{"attestation", StateAttestationAudited, func() *checks.Violation {
			return checks.Attestation(r.dev, m, r.opts.AttestationDataLen)
		}},
		{"randomness", StateRandomnessAudited, func() *checks.Violation {
			return checks.Randomness(r.dev, r.opts.RandomSamples, r.opts.RandomLength)
		}},
	}

	for _, s := range scenarios {
		if err := ctx.Err(); err != nil {
			r.state = StateFailed
			return nil, fmt.Errorf("run canceled before %s: %w", s.name, err)
		}

		start := time.Now()
		v := s.run()
		elapsed := time.Since(start)

		if v != nil {
			rep.AddScenario(s.name, false, elapsed)
			rep.Violation = v
			rep.FinishedAt = time.Now().UTC()
			r.state = StateFailed
			r.log.Error("scenario failed", "scenario", s.name, "check", v.Check)
			return rep, nil
		}

		rep.AddScenario(s.name, true, elapsed)
		r.state = s.next
		r.log.Info("scenario passed", "scenario", s.name, "duration", elapsed)
	}

	rep.FinishedAt = time.Now().UTC()
	rep.Pass = true
	r.state = StateDone
	return rep, nil
}

// auditLocksAndExtend is the lock/extend scenario: lock immutability on
// the boot-locked range, repeated extension of the open range, the
// global lock (individual then exact-range bulk), and the post-lock
// extension and read audits. Order matters; each step assumes the
// previous step's postconditions.
func (r *Runner) auditLocksAndExtend(m *model.Model) *checks.Violation {
	steps := []func() *checks.Violation{
		func() *checks.Violation { return checks.LockImmutability(r.dev, m) },
		func() *checks.Violation { return checks.Extension(r.dev, m, r.opts.ExtendRepeat) },
		func() *checks.Violation { return checks.LockRemaining(r.dev, m) },
		func() *checks.Violation { return checks.RangeLock(r.dev, m) },
		func() *checks.Violation { return checks.PostLockExtension(r.dev, m) },
		func() *checks.Violation { return checks.PostLockReads(r.dev, m, r.opts.PostLockReadRepeat) },
	}
	for _, step := range steps {
		if v := step(); v != nil {
			return v
		}
	}
	return nil
}
