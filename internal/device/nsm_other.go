//go:build !linux

package device

// The NSM character device only exists on Linux. Other platforms can still
// run the suite against the simulator.

// NSM is a placeholder handle on platforms without /dev/nsm.
type NSM struct{}

// OpenNSM always fails on this platform.
func OpenNSM() (*NSM, error) {
	return nil, ErrNotAvailable
}

func (d *NSM) Describe() (Description, error)                  { return Description{}, ErrNotAvailable }
func (d *NSM) DescribePCR(index uint16) (PCRState, error)      { return PCRState{}, ErrNotAvailable }
func (d *NSM) ExtendPCR(index uint16, data []byte) ([]byte, error) { return nil, ErrNotAvailable }
func (d *NSM) LockPCR(index uint16) error                      { return ErrNotAvailable }
func (d *NSM) LockPCRs(rng uint16) error                       { return ErrNotAvailable }
func (d *NSM) Attest(req AttestationRequest) ([]byte, error)   { return nil, ErrNotAvailable }
func (d *NSM) GetRandom(n int) ([]byte, error)                 { return nil, ErrNotAvailable }
func (d *NSM) Close() error                                    { return ErrNotAvailable }

var _ Device = (*NSM)(nil)
