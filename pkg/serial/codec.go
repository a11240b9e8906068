package serial

import (
	"fmt"
	"time"

	"serialbot/pkg/luhn"
)

const (
	// Length is the number of digits in a raw serial.
	Length = 12

	QuarterDigits = 2
	OffsetDigits  = 7
	AddsDigits    = 2

	MaxQuarterIndex = 99
	MaxAdds         = 99
	maxOffset       = 9_999_999
)

// DefaultEpoch is the first instant of quarter 1.
var DefaultEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// Codec converts instants to serials and back. The zero value is not usable;
// construct one with New or Default.
type Codec struct {
	epoch time.Time
	base  int // absolute quarter number of the epoch
}

// New returns a codec anchored at the calendar quarter containing epoch.
// The epoch is normalized to UTC and to the first instant of that quarter.
func New(epoch time.Time) *Codec {
	base := absQuarter(epoch.UTC())
	return &Codec{epoch: quarterStart(base), base: base}
}

// Default returns a codec anchored at DefaultEpoch.
func Default() *Codec { return New(DefaultEpoch) }

// Epoch returns the normalized epoch (start of quarter 1).
func (c *Codec) Epoch() time.Time { return c.epoch }

// Quarter returns the quarter index containing t and the time elapsed since
// that quarter started.
func (c *Codec) Quarter(t time.Time) (index int, offset time.Duration, err error) {
	t = t.UTC()
	if t.Before(c.epoch) {
		return 0, 0, fmt.Errorf("%w: %s < %s", ErrBeforeEpoch, t.Format(time.RFC3339), c.epoch.Format(time.RFC3339))
	}
	abs := absQuarter(t)
	return abs - c.base + 1, t.Sub(quarterStart(abs)), nil
}

// Generate returns the raw 12-digit serial for t and adds.
//
// Out of range inputs are reported, never clamped: callers own the
// disambiguator and the clock.
func (c *Codec) Generate(t time.Time, adds int) (string, error) {
	if adds < 0 || adds > MaxAdds {
		return "", fmt.Errorf("%w: %d not in [0, %d]", ErrAddsOutOfRange, adds, MaxAdds)
	}
	idx, off, err := c.Quarter(t)
	if err != nil {
		return "", err
	}
	if idx > MaxQuarterIndex {
		return "", fmt.Errorf("%w: %d", ErrQuarterOverflow, idx)
	}
	secs := int64(off / time.Second)
	if secs > maxOffset {
		return "", fmt.Errorf("%w: %d", ErrOffsetOverflow, secs)
	}

	payload := fmt.Sprintf("%0*d%0*d%0*d", QuarterDigits, idx, OffsetDigits, secs, AddsDigits, adds)
	raw, err := luhn.Append(payload)
	if err != nil {
		// payload is produced by Sprintf above and is always digits.
		return "", fmt.Errorf("serial: internal checksum failure: %w", err)
	}
	return raw, nil
}

// Start returns the first instant of the quarter described by p.
func (c *Codec) Start(p Period) time.Time {
	return quarterStart(c.base + p.Index - 1)
}

// Period returns the calendar period of quarter index idx. Any index is
// accepted, including ones far in the future.
func (c *Codec) Period(idx int) Period {
	abs := c.base + idx - 1
	return Period{Index: idx, Year: floorDiv(abs, 4), Quarter: floorMod(abs, 4) + 1}
}

// Remaining reports how many more quarters after the one containing t can
// still be encoded.
func (c *Codec) Remaining(t time.Time) (int, error) {
	idx, _, err := c.Quarter(t)
	if err != nil {
		return 0, err
	}
	if idx > MaxQuarterIndex {
		return 0, nil
	}
	return MaxQuarterIndex - idx, nil
}

// absQuarter numbers calendar quarters continuously: year*4 + (0..3).
func absQuarter(t time.Time) int {
	y, m, _ := t.Date()
	return y*4 + (int(m)-1)/3
}

func quarterStart(abs int) time.Time {
	y := floorDiv(abs, 4)
	q := floorMod(abs, 4)
	return time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int { return a - floorDiv(a, b)*b }
