package device

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// NSM wire format: every request and response is a single CBOR item.
// Operations without arguments travel as a bare text string naming the
// operation; operations with arguments travel as a one-entry map from the
// operation name to its argument map. Optional arguments are encoded as
// CBOR null when absent. Error responses are {"Error": <code name>}.

type describePCRArgs struct {
	Index uint16 `cbor:"index"`
}

type extendPCRArgs struct {
	Index uint16 `cbor:"index"`
	Data  []byte `cbor:"data"`
}

type lockPCRArgs struct {
	Index uint16 `cbor:"index"`
}

type lockPCRsArgs struct {
	Range uint16 `cbor:"range"`
}

type attestationArgs struct {
	UserData  []byte `cbor:"user_data"`
	Nonce     []byte `cbor:"nonce"`
	PublicKey []byte `cbor:"public_key"`
}

type describePCRPayload struct {
	Lock bool   `cbor:"lock"`
	Data []byte `cbor:"data"`
}

type extendPCRPayload struct {
	Data []byte `cbor:"data"`
}

type describeNSMPayload struct {
	VersionMajor uint16   `cbor:"version_major"`
	VersionMinor uint16   `cbor:"version_minor"`
	VersionPatch uint16   `cbor:"version_patch"`
	ModuleID     string   `cbor:"module_id"`
	MaxPCRs      uint16   `cbor:"max_pcrs"`
	LockedPCRs   []uint16 `cbor:"locked_pcrs"`
	Digest       string   `cbor:"digest"`
}

type attestationPayload struct {
	Document []byte `cbor:"document"`
}

type getRandomPayload struct {
	Random []byte `cbor:"random"`
}

// encodeRequest serializes an operation. A nil args value produces the
// bare-string form.
func encodeRequest(op string, args any) ([]byte, error) {
	if args == nil {
		return cbor.Marshal(op)
	}
	return cbor.Marshal(map[string]any{op: args})
}

// wireResponse is a decoded but not yet interpreted device response.
type wireResponse struct {
	kind string
	body cbor.RawMessage // nil for unit responses such as "LockPCR"
}

// decodeResponse reads the single CBOR item at the front of data. The
// response buffer handed back by the driver is zero padded, so trailing
// bytes are expected and ignored.
func decodeResponse(data []byte) (wireResponse, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var raw cbor.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return wireResponse{}, fmt.Errorf("device: decode response: %w", err)
	}

	var unit string
	if err := cbor.Unmarshal(raw, &unit); err == nil {
		return wireResponse{kind: unit}, nil
	}

	var tagged map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &tagged); err != nil {
		return wireResponse{}, fmt.Errorf("device: decode response: %w", err)
	}
	if len(tagged) != 1 {
		return wireResponse{}, fmt.Errorf("device: decode response: %d entries in variant map", len(tagged))
	}
	for kind, body := range tagged {
		return wireResponse{kind: kind, body: body}, nil
	}
	return wireResponse{}, fmt.Errorf("device: decode response: empty variant map")
}

// errorFor turns a response into a typed error when it is the Error
// variant or does not answer the operation that was sent. Response
// variants are named after their requests.
func (r wireResponse) errorFor(op string) error {
	if r.kind == "Error" {
		var name string
		if err := cbor.Unmarshal(r.body, &name); err != nil {
			return &Error{Op: op, Code: InvalidResponse}
		}
		code, ok := errorCodeFromName(name)
		if !ok {
			return &Error{Op: op, Code: InvalidResponse}
		}
		return &Error{Op: op, Code: code}
	}
	if r.kind != op {
		return &Error{Op: op, Code: InvalidResponse}
	}
	return nil
}

func parseDescription(body cbor.RawMessage) (Description, error) {
	var p describeNSMPayload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return Description{}, &Error{Op: "DescribeNSM", Code: InvalidResponse}
	}
	locked := append([]uint16(nil), p.LockedPCRs...)
	sort.Slice(locked, func(i, j int) bool { return locked[i] < locked[j] })
	return Description{
		Version:    Version{Major: p.VersionMajor, Minor: p.VersionMinor, Patch: p.VersionPatch},
		ModuleID:   p.ModuleID,
		MaxPCRs:    p.MaxPCRs,
		LockedPCRs: locked,
		Digest:     Digest(p.Digest),
	}, nil
}

func parsePCRState(body cbor.RawMessage) (PCRState, error) {
	var p describePCRPayload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return PCRState{}, &Error{Op: "DescribePCR", Code: InvalidResponse}
	}
	return PCRState{Lock: p.Lock, Value: p.Data}, nil
}

func parseExtendPCR(body cbor.RawMessage) ([]byte, error) {
	var p extendPCRPayload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return nil, &Error{Op: "ExtendPCR", Code: InvalidResponse}
	}
	return p.Data, nil
}

func parseAttestation(body cbor.RawMessage) ([]byte, error) {
	var p attestationPayload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return nil, &Error{Op: "Attestation", Code: InvalidResponse}
	}
	return p.Document, nil
}

func parseGetRandom(body cbor.RawMessage) ([]byte, error) {
	var p getRandomPayload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return nil, &Error{Op: "GetRandom", Code: InvalidResponse}
	}
	return p.Random, nil
}
