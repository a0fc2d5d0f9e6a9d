package tcpengine

import "errors"

// ValidatorFlags configures optional validation checks that are not always
// desirable, such as the evil-bit check which most stacks ignore.
type ValidatorFlags uint8

const (
	// ValidateEvilBit enables checking of the IPv4 evil bit (RFC3514).
	ValidateEvilBit ValidatorFlags = 1 << iota
)

// Validator accumulates validation errors found while inspecting a frame's
// fields. The zero value rejects on the first error found; set
// AllowMultipleErrors to accumulate and join every error encountered.
type Validator struct {
	flags              ValidatorFlags
	AllowMultipleErrors bool
	accum              []error
}

// SetFlags sets the validator's behavior flags. See [ValidatorFlags].
func (v *Validator) SetFlags(flags ValidatorFlags) { v.flags = flags }

// Flags returns the validator's current behavior flags.
func (v *Validator) Flags() ValidatorFlags { return v.flags }

// ResetErr clears previously accumulated errors, readying the validator for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

// AddError registers a validation failure. If AllowMultipleErrors is false
// only the first error added is kept.
func (v *Validator) AddError(err error) {
	if err == nil {
		return
	}
	if len(v.accum) != 0 && !v.AllowMultipleErrors {
		return
	}
	v.accum = append(v.accum, err)
}

// Err returns the accumulated validation error, or nil if none was added.
// Multiple errors are joined with [errors.Join].
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}
