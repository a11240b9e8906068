package serial

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFormatUnformat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw, formatted string
	}{
		{raw: "010000000009", formatted: "0100-0000-0009"},
		{raw: "", formatted: ""},
		{raw: "123", formatted: "123"},
		{raw: "1234", formatted: "1234"},
		{raw: "1234567", formatted: "1234-567"},
	}
	for _, tt := range tests {
		if got := Format(tt.raw); got != tt.formatted {
			t.Fatalf("Format(%q) = %q, want %q", tt.raw, got, tt.formatted)
		}
		if got := Unformat(tt.formatted); got != tt.raw {
			t.Fatalf("Unformat(%q) = %q, want %q", tt.formatted, got, tt.raw)
		}
	}
	if got := Unformat(" a0-1 b２3\tx4 "); got != "0134" {
		t.Fatalf("Unformat noise = %q, want 0134", got)
	}
}

func TestParseEpochSerial(t *testing.T) {
	t.Parallel()
	c := Default()
	s, err := c.Parse("0100-0000-0009")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if s.QuarterIndex != 1 || s.Offset != 0 || s.Adds != 0 || s.Check != 9 {
		t.Fatalf("Parse = %+v", s)
	}
	if s.Period.Year != 2026 || s.Period.Quarter != 1 {
		t.Fatalf("Period = %+v, want Q1 2026", s.Period)
	}
	if got := s.Period.Label(LabelMonth); got != "01.2026" {
		t.Fatalf("month label = %q, want 01.2026", got)
	}
	if got := s.Formatted(); got != "0100-0000-0009" {
		t.Fatalf("Formatted = %q", got)
	}
}

func TestParseSeparatorTolerance(t *testing.T) {
	t.Parallel()
	c := Default()
	raw, err := c.Generate(DefaultEpoch.Add(100*24*time.Hour+37*time.Minute), 23)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	f := Format(raw)
	inputs := []string{
		raw,
		f,
		" " + strings.ReplaceAll(f, "-", " ") + " ",
		strings.Join(strings.Split(raw, ""), " "),
		"SN: " + f + " !",
		"x" + raw[:3] + "ab/" + raw[3:7] + "—" + raw[7:] + "zz",
	}
	for _, in := range inputs {
		s, err := c.Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", in, err)
		}
		if s.Raw != raw || s.Period.Label(LabelMonth) != "04.2026" {
			t.Fatalf("Parse(%q) = %+v", in, s)
		}
	}
}

func TestParseWrongLength(t *testing.T) {
	t.Parallel()
	c := Default()
	raw, _ := c.Generate(DefaultEpoch, 0)
	for _, in := range []string{"", "invalid", raw[:11], raw + "0", "0" + raw, "01-0000-0000"} {
		_, err := c.Parse(in)
		if !errors.Is(err, ErrWrongLength) {
			t.Fatalf("Parse(%q) err = %v, want ErrWrongLength", in, err)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("Parse(%q) err is %T, want *ParseError", in, err)
		}
		if pe.Digits != Unformat(in) {
			t.Fatalf("ParseError.Digits = %q, want %q", pe.Digits, Unformat(in))
		}
	}
	if !strings.Contains(ErrWrongLength.Error(), "12 digits") {
		t.Fatalf("wrong length message %q must state the digit count", ErrWrongLength)
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	t.Parallel()
	c := Default()
	raw, _ := c.Generate(DefaultEpoch.Add(1000*time.Second), 5)
	b := []byte(raw)
	b[len(b)-1] = '0' + (b[len(b)-1]-'0'+1)%10
	_, err := c.Parse(string(b))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestSingleDigitChangesRejected(t *testing.T) {
	t.Parallel()
	c := Default()
	raw, _ := c.Generate(at("2026-05-17T08:21:44Z"), 64)
	for pos := 0; pos < len(raw); pos++ {
		for d := byte('0'); d <= '9'; d++ {
			if raw[pos] == d {
				continue
			}
			b := []byte(raw)
			b[pos] = d
			if _, err := c.Parse(string(b)); !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("Parse(%s) err = %v, want ErrChecksumMismatch", b, err)
			}
		}
	}
}

func TestParseFarFutureIndex(t *testing.T) {
	t.Parallel()
	c := Default()
	// 99 + 0000000 + 00 with its check digit; quarter 99 is Q3 2050.
	s, err := c.Parse("9900-0000-0002")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if s.Period.Year != 2050 || s.Period.Quarter != 3 {
		t.Fatalf("Period = %+v, want Q3 2050", s.Period)
	}
}

func TestCheckResult(t *testing.T) {
	t.Parallel()
	c := Default()
	ok := c.Check("0100 0000 0009")
	if !ok.OK || ok.Label(LabelRoman) != "I 2026" || ok.Digits != "010000000009" {
		t.Fatalf("Check ok = %+v", ok)
	}
	bad := c.Check("0100-0000-0001")
	if bad.OK || !errors.Is(bad.Reason, ErrChecksumMismatch) || bad.Digits != "010000000001" || bad.Label(LabelMonth) != "" {
		t.Fatalf("Check bad = %+v", bad)
	}
	short := c.Check("12-34")
	if short.OK || !errors.Is(short.Reason, ErrWrongLength) || short.Digits != "1234" {
		t.Fatalf("Check short = %+v", short)
	}
}

func TestPeriodLabels(t *testing.T) {
	t.Parallel()
	c := Default()
	tests := []struct {
		idx                  int
		month, roman, quarter string
	}{
		{idx: 1, month: "01.2026", roman: "I 2026", quarter: "Q1 2026"},
		{idx: 2, month: "04.2026", roman: "II 2026", quarter: "Q2 2026"},
		{idx: 3, month: "07.2026", roman: "III 2026", quarter: "Q3 2026"},
		{idx: 4, month: "10.2026", roman: "IV 2026", quarter: "Q4 2026"},
		{idx: 5, month: "01.2027", roman: "I 2027", quarter: "Q1 2027"},
		{idx: 0, month: "10.2025", roman: "IV 2025", quarter: "Q4 2025"},
	}
	for _, tt := range tests {
		p := c.Period(tt.idx)
		if got := p.Label(LabelMonth); got != tt.month {
			t.Fatalf("Period(%d) month = %q, want %q", tt.idx, got, tt.month)
		}
		if got := p.Label(LabelRoman); got != tt.roman {
			t.Fatalf("Period(%d) roman = %q, want %q", tt.idx, got, tt.roman)
		}
		if got := p.Label(LabelQuarter); got != tt.quarter {
			t.Fatalf("Period(%d) quarter = %q, want %q", tt.idx, got, tt.quarter)
		}
	}
}

func TestParseLabelStyle(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]LabelStyle{"": LabelMonth, "Roman": LabelRoman, " quarter ": LabelQuarter, "month": LabelMonth} {
		got, err := ParseLabelStyle(in)
		if err != nil || got != want {
			t.Fatalf("ParseLabelStyle(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLabelStyle("emoji"); err == nil {
		t.Fatal("expected error for unknown style")
	}
}
