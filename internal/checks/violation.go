// Package checks is the invariant library of the conformance engine.
// Each check drives the device operations it audits and compares the
// observable results against the register model and the device security
// contract, reporting any deviation as a structured Violation.
package checks

import "fmt"

// Violation is a structured mismatch between observed device behavior and
// the specified contract. It identifies the check, the register involved
// when one is, and the expected versus observed state.
type Violation struct {
	Check    string  `json:"check"`
	PCR      *uint16 `json:"pcr,omitempty"`
	Expected string  `json:"expected"`
	Observed string  `json:"observed"`
}

func (v *Violation) Error() string {
	if v.PCR != nil {
		return fmt.Sprintf("conformance violation [%s] pcr %d: expected %s, observed %s",
			v.Check, *v.PCR, v.Expected, v.Observed)
	}
	return fmt.Sprintf("conformance violation [%s]: expected %s, observed %s",
		v.Check, v.Expected, v.Observed)
}

// violation builds a Violation without a register index.
func violation(check, expected, observed string) *Violation {
	return &Violation{Check: check, Expected: expected, Observed: observed}
}

// pcrViolation builds a Violation tied to one register.
func pcrViolation(check string, pcr uint16, expected, observed string) *Violation {
	index := pcr
	return &Violation{Check: check, PCR: &index, Expected: expected, Observed: observed}
}
