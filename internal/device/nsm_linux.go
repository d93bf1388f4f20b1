//go:build linux

// Transport for the real NSM character device. Requests and responses are
// CBOR blobs exchanged through a single ioctl carrying a pair of iovecs.

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	nsmDevPath     = "/dev/nsm"
	nsmIoctlMagic  = 0x0A
	nsmMaxRequest  = 0x1000
	nsmMaxResponse = 0x3000
)

// nsmMessage mirrors the driver ABI: request iovec in, response iovec
// in/out. The driver updates the response length in place.
type nsmMessage struct {
	Request  unix.Iovec
	Response unix.Iovec
}

// nsmIoctlRequest builds the _IOWR(0x0A, 0, struct nsm_message) code.
func nsmIoctlRequest() uintptr {
	const (
		dirRead  = 2
		dirWrite = 1
	)
	size := unsafe.Sizeof(nsmMessage{})
	return uintptr(((dirRead | dirWrite) << 30) | (uint(size) << 16) | (nsmIoctlMagic << 8))
}

// NSM is a handle to the /dev/nsm character device.
type NSM struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenNSM opens the NSM device file.
func OpenNSM() (*NSM, error) {
	fd, err := unix.Open(nsmDevPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", nsmDevPath, err)
	}
	return &NSM{fd: fd}, nil
}

// process sends one encoded request and returns the raw response bytes.
func (d *NSM) process(op string, req []byte) ([]byte, error) {
	if len(req) > nsmMaxRequest {
		return nil, &Error{Op: op, Code: InputTooLarge}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	resp := make([]byte, nsmMaxResponse)
	msg := nsmMessage{}
	msg.Request.Base = &req[0]
	msg.Request.SetLen(len(req))
	msg.Response.Base = &resp[0]
	msg.Response.SetLen(len(resp))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), nsmIoctlRequest(), uintptr(unsafe.Pointer(&msg)))
	if errno != 0 {
		if errno == unix.EMSGSIZE {
			return nil, &Error{Op: op, Code: InputTooLarge}
		}
		return nil, fmt.Errorf("device: ioctl %s: %w", op, errno)
	}

	n := int(msg.Response.Len)
	if n < 0 || n > len(resp) {
		return nil, &Error{Op: op, Code: InvalidResponse}
	}
	return resp[:n], nil
}

// call performs one full request/response exchange for op.
func (d *NSM) call(op string, args any) (wireResponse, error) {
	req, err := encodeRequest(op, args)
	if err != nil {
		return wireResponse{}, fmt.Errorf("device: encode %s: %w", op, err)
	}
	raw, err := d.process(op, req)
	if err != nil {
		return wireResponse{}, err
	}
	resp, err := decodeResponse(raw)
	if err != nil {
		return wireResponse{}, err
	}
	if err := resp.errorFor(op); err != nil {
		return wireResponse{}, err
	}
	return resp, nil
}

// Describe implements Device.
func (d *NSM) Describe() (Description, error) {
	resp, err := d.call("DescribeNSM", nil)
	if err != nil {
		return Description{}, err
	}
	return parseDescription(resp.body)
}

// DescribePCR implements Device.
func (d *NSM) DescribePCR(index uint16) (PCRState, error) {
	resp, err := d.call("DescribePCR", describePCRArgs{Index: index})
	if err != nil {
		return PCRState{}, err
	}
	return parsePCRState(resp.body)
}

// ExtendPCR implements Device.
func (d *NSM) ExtendPCR(index uint16, data []byte) ([]byte, error) {
	resp, err := d.call("ExtendPCR", extendPCRArgs{Index: index, Data: data})
	if err != nil {
		return nil, err
	}
	return parseExtendPCR(resp.body)
}

// LockPCR implements Device.
func (d *NSM) LockPCR(index uint16) error {
	_, err := d.call("LockPCR", lockPCRArgs{Index: index})
	return err
}

// LockPCRs implements Device.
func (d *NSM) LockPCRs(rng uint16) error {
	_, err := d.call("LockPCRs", lockPCRsArgs{Range: rng})
	return err
}

// Attest implements Device.
func (d *NSM) Attest(req AttestationRequest) ([]byte, error) {
	resp, err := d.call("Attestation", attestationArgs{
		UserData:  req.UserData,
		Nonce:     req.Nonce,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	return parseAttestation(resp.body)
}

// GetRandom implements Device. The wire operation yields a bounded number
// of bytes per call, so larger requests accumulate across calls.
func (d *NSM) GetRandom(n int) ([]byte, error) {
	if n <= 0 {
		return nil, &Error{Op: "GetRandom", Code: InvalidArgument}
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		resp, err := d.call("GetRandom", nil)
		if err != nil {
			return nil, err
		}
		random, err := parseGetRandom(resp.body)
		if err != nil {
			return nil, err
		}
		if len(random) == 0 {
			return nil, &Error{Op: "GetRandom", Code: InternalError}
		}
		if rem := n - len(out); len(random) > rem {
			random = random[:rem]
		}
		out = append(out, random...)
	}
	return out, nil
}

// Close implements Device.
func (d *NSM) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("device: close %s: %w", nsmDevPath, err)
	}
	return nil
}

var _ Device = (*NSM)(nil)
