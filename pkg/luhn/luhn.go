// Package luhn computes and verifies single decimal check digits.
//
// The weighting follows ISO/IEC 7812: walking the payload from its rightmost
// digit, even positions (0, 2, 4, ...) contribute the doubled digit with its
// two decimal digits summed and odd positions contribute the digit as is. The
// check digit brings the total up to a multiple of ten, so the check digit
// itself always carries weight one and the payload digit next to it weight two.
package luhn

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned for empty payloads or payloads containing
// anything other than ASCII digits.
var ErrInvalidInput = errors.New("luhn: invalid input")

// Checksum returns the check digit for digits.
func Checksum(digits string) (int, error) {
	if digits == "" {
		return 0, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return compute(digits)
}

// Validate reports whether the last digit of digits is the check digit of
// the digits before it.
func Validate(digits string) bool {
	n := len(digits)
	if n == 0 {
		return false
	}
	last := digits[n-1]
	if last < '0' || last > '9' {
		return false
	}
	want, err := compute(digits[:n-1])
	if err != nil {
		return false
	}
	return int(last-'0') == want
}

// Append returns digits followed by its check digit.
// Append("") is "0": an empty payload sums to zero.
func Append(digits string) (string, error) {
	c, err := compute(digits)
	if err != nil {
		return "", err
	}
	return digits + string(rune('0'+c)), nil
}

func compute(digits string) (int, error) {
	total := 0
	for i := 0; i < len(digits); i++ {
		ch := digits[len(digits)-1-i]
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q at offset %d", ErrInvalidInput, ch, len(digits)-1-i)
		}
		d := int(ch - '0')
		if i%2 == 0 {
			d *= 2
			if d >= 10 {
				d -= 9
			}
		}
		total += d
	}
	return (10 - total%10) % 10, nil
}
