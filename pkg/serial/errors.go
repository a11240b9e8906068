package serial

import (
	"errors"
	"strconv"
)

var (
	// ErrWrongLength is the parse failure for inputs that do not carry exactly
	// Length digits.
	ErrWrongLength = errors.New("serial: must contain exactly " + strconv.Itoa(Length) + " digits")
	// ErrChecksumMismatch is the parse failure for well-formed digits whose
	// check digit does not match.
	ErrChecksumMismatch = errors.New("serial: checksum mismatch, check the number, possibly mistyped")

	ErrBeforeEpoch     = errors.New("serial: instant is before the epoch")
	ErrQuarterOverflow = errors.New("serial: quarter index does not fit 2 digits")
	ErrOffsetOverflow  = errors.New("serial: quarter offset does not fit 7 digits")
	ErrAddsOutOfRange  = errors.New("serial: disambiguator out of range")
)

// ParseError is returned by Parse. Reason is ErrWrongLength or
// ErrChecksumMismatch; Digits is what was extracted from the input.
type ParseError struct {
	Reason error
	Digits string
}

func (e *ParseError) Error() string {
	if e == nil || e.Reason == nil {
		return "serial: parse error"
	}
	return e.Reason.Error() + " (got " + strconv.Itoa(len(e.Digits)) + ")"
}

func (e *ParseError) Unwrap() error { return e.Reason }
