package serial

import (
	"errors"
	"strconv"
	"time"

	"serialbot/pkg/luhn"
)

// Serial is a validated, decoded serial number.
type Serial struct {
	Raw          string
	QuarterIndex int
	Offset       time.Duration
	Adds         int
	Check        int
	Period       Period
	// Issued is the quarter start plus Offset, accurate to the second.
	Issued time.Time
}

// Formatted returns the grouped display form.
func (s Serial) Formatted() string { return Format(s.Raw) }

// Parse validates arbitrary user text and decodes the serial it carries.
// Failures are *ParseError values wrapping ErrWrongLength or
// ErrChecksumMismatch.
func (c *Codec) Parse(text string) (Serial, error) {
	digits := Unformat(text)
	if len(digits) != Length {
		return Serial{}, &ParseError{Reason: ErrWrongLength, Digits: digits}
	}
	if !luhn.Validate(digits) {
		return Serial{}, &ParseError{Reason: ErrChecksumMismatch, Digits: digits}
	}

	q := QuarterDigits
	o := q + OffsetDigits
	a := o + AddsDigits
	// digits are ASCII 0-9 here, so Atoi cannot fail
	idx, _ := strconv.Atoi(digits[:q])
	secs, _ := strconv.Atoi(digits[q:o])
	adds, _ := strconv.Atoi(digits[o:a])

	p := c.Period(idx)
	off := time.Duration(secs) * time.Second
	return Serial{
		Raw:          digits,
		QuarterIndex: idx,
		Offset:       off,
		Adds:         adds,
		Check:        int(digits[a] - '0'),
		Period:       p,
		Issued:       c.Start(p).Add(off),
	}, nil
}

// Result is the outcome of Check, shaped for presentation layers.
type Result struct {
	OK     bool
	Digits string // extracted digits, echoed back on failure
	Reason error  // ErrWrongLength or ErrChecksumMismatch when !OK
	Serial Serial
}

// Label renders the decoded period, or "" for failed results.
func (r Result) Label(style LabelStyle) string {
	if !r.OK {
		return ""
	}
	return r.Serial.Period.Label(style)
}

// Check is Parse folded into a single value.
func (c *Codec) Check(text string) Result {
	s, err := c.Parse(text)
	if err != nil {
		r := Result{Digits: Unformat(text), Reason: err}
		var pe *ParseError
		if errors.As(err, &pe) {
			r.Digits = pe.Digits
			r.Reason = pe.Reason
		}
		return r
	}
	return Result{OK: true, Digits: s.Raw, Serial: s}
}
