package device

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Simulator behavior constants matching the hardware contract.
const (
	simPCRCount  = 32
	simBootLocks = 16     // PCRs [0, 16) arrive locked
	simMaxInput  = 1024   // per-field attestation input ceiling
	simMaxExtend = 0x1000 // extend input bound, mirrors the request size cap
)

// simPlatformPCRs are the registers holding platform identity measurements
// at boot: enclave image measurements (0..2) and the parent instance
// binding (4). PCR 3 is reserved for the IAM role and stays zero until the
// host assigns one, as do 5..15.
var simPlatformPCRs = []uint16{0, 1, 2, 4}

// Simulator is an in-process device with NSM semantics. It exists so the
// engine and its tests can run without enclave hardware.
//
// WARNING: documents it produces are unsigned and prove nothing.
type Simulator struct {
	mu       sync.Mutex
	digest   Digest
	moduleID string
	version  Version
	pcrs     []PCRState
	closed   bool
}

// NewSimulator creates a simulated device with the given PCR bank digest.
func NewSimulator(digest Digest) (*Simulator, error) {
	width, err := simDigestWidth(digest)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		digest:   digest,
		moduleID: fmt.Sprintf("i-0simulated0nsm00-enc%016x", time.Now().UnixNano()),
		version:  Version{Major: 1, Minor: 0, Patch: 0},
		pcrs:     make([]PCRState, simPCRCount),
	}

	for i := range s.pcrs {
		s.pcrs[i].Value = make([]byte, width)
		s.pcrs[i].Lock = i < simBootLocks
	}
	for _, i := range simPlatformPCRs {
		h := s.newHash()
		fmt.Fprintf(h, "%s/pcr/%d", s.moduleID, i)
		s.pcrs[i].Value = h.Sum(nil)[:width]
	}

	return s, nil
}

func simDigestWidth(d Digest) (int, error) {
	switch d {
	case DigestSHA256:
		return 32, nil
	case DigestSHA384:
		return 48, nil
	case DigestSHA512:
		return 64, nil
	default:
		return 0, fmt.Errorf("device: unsupported simulator digest %q", d)
	}
}

func (s *Simulator) newHash() hash.Hash {
	switch s.digest {
	case DigestSHA384:
		return sha512.New384()
	case DigestSHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

func (s *Simulator) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Describe implements Device.
func (s *Simulator) Describe() (Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return Description{}, err
	}

	var locked []uint16
	for i, pcr := range s.pcrs {
		if pcr.Lock {
			locked = append(locked, uint16(i))
		}
	}
	return Description{
		Version:    s.version,
		ModuleID:   s.moduleID,
		MaxPCRs:    simPCRCount,
		LockedPCRs: locked,
		Digest:     s.digest,
	}, nil
}

// DescribePCR implements Device.
func (s *Simulator) DescribePCR(index uint16) (PCRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return PCRState{}, err
	}
	if index >= simPCRCount {
		return PCRState{}, &Error{Op: "DescribePCR", Code: InvalidIndex}
	}

	pcr := s.pcrs[index]
	return PCRState{
		Lock:  pcr.Lock,
		Value: append([]byte(nil), pcr.Value...),
	}, nil
}

// ExtendPCR implements Device. The next register value is the digest of
// the current value chained with the input; a locked register rejects the
// operation outright.
func (s *Simulator) ExtendPCR(index uint16, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if index >= simPCRCount {
		return nil, &Error{Op: "ExtendPCR", Code: InvalidIndex}
	}
	if s.pcrs[index].Lock {
		return nil, &Error{Op: "ExtendPCR", Code: ReadOnlyIndex}
	}
	if len(data) > simMaxExtend {
		return nil, &Error{Op: "ExtendPCR", Code: InputTooLarge}
	}

	width := len(s.pcrs[index].Value)
	h := s.newHash()
	h.Write(s.pcrs[index].Value)
	h.Write(data)
	s.pcrs[index].Value = h.Sum(nil)[:width]
	return append([]byte(nil), s.pcrs[index].Value...), nil
}

// LockPCR implements Device. A second lock of the same register is an
// error, never a silent no-op.
func (s *Simulator) LockPCR(index uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if index >= simPCRCount {
		return &Error{Op: "LockPCR", Code: InvalidIndex}
	}
	if s.pcrs[index].Lock {
		return &Error{Op: "LockPCR", Code: ReadOnlyIndex}
	}
	s.pcrs[index].Lock = true
	return nil
}

// LockPCRs implements Device. Locks registers [0, rng); a range past the
// end of the bank fails without locking anything.
func (s *Simulator) LockPCRs(rng uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rng > simPCRCount {
		return &Error{Op: "LockPCRs", Code: InvalidIndex}
	}
	for i := uint16(0); i < rng; i++ {
		s.pcrs[i].Lock = true
	}
	return nil
}

// simDocument is the simulator's stand-in for an attestation document.
// Field layout follows the NSM document, minus signature material.
type simDocument struct {
	ModuleID  string            `cbor:"module_id"`
	Digest    string            `cbor:"digest"`
	Timestamp uint64            `cbor:"timestamp"`
	PCRs      map[uint16][]byte `cbor:"pcrs"`
	UserData  []byte            `cbor:"user_data"`
	Nonce     []byte            `cbor:"nonce"`
	PublicKey []byte            `cbor:"public_key"`
}

// Attest implements Device.
func (s *Simulator) Attest(req AttestationRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, field := range [][]byte{req.UserData, req.Nonce, req.PublicKey} {
		if len(field) > simMaxInput {
			return nil, &Error{Op: "Attestation", Code: InputTooLarge}
		}
	}

	pcrs := make(map[uint16][]byte, simPCRCount)
	for i, pcr := range s.pcrs {
		if pcr.Lock {
			pcrs[uint16(i)] = append([]byte(nil), pcr.Value...)
		}
	}

	doc, err := cbor.Marshal(simDocument{
		ModuleID:  s.moduleID,
		Digest:    string(s.digest),
		Timestamp: uint64(time.Now().UnixMilli()),
		PCRs:      pcrs,
		UserData:  req.UserData,
		Nonce:     req.Nonce,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		return nil, &Error{Op: "Attestation", Code: InternalError}
	}
	return doc, nil
}

// GetRandom implements Device.
func (s *Simulator) GetRandom(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, &Error{Op: "GetRandom", Code: InvalidArgument}
	}

	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, &Error{Op: "GetRandom", Code: InternalError}
	}
	return out, nil
}

// Close implements Device.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return nil
}

var _ Device = (*Simulator)(nil)
