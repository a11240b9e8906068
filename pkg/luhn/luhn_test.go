package luhn

import (
	"errors"
	"strconv"
	"testing"
)

func TestChecksumKnownValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
	}{
		{in: "7992739871", want: 3},
		{in: "00000000000", want: 0},
		{in: "0", want: 0},
		{in: "5", want: 9},
		{in: "1", want: 8},
		// 2*1=2, plus 9 -> 11 -> check 9
		{in: "91", want: 9},
		// 2*9=18 -> 9, plus 1 -> 10 -> check 0
		{in: "19", want: 0},
		{in: "01000000000", want: 9},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := Checksum(tt.in)
			if err != nil {
				t.Fatalf("Checksum(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Checksum(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestChecksumRejectsInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "12a4", "12 34", "-1", "١٢٣"} {
		if _, err := Checksum(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Checksum(%q) err = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestAppendEmpty(t *testing.T) {
	t.Parallel()
	got, err := Append("")
	if err != nil {
		t.Fatalf("Append(\"\") error: %v", err)
	}
	if got != "0" {
		t.Fatalf("Append(\"\") = %q, want \"0\"", got)
	}
	if !Validate(got) {
		t.Fatal("Validate(Append(\"\")) = false")
	}
}

func TestAppendValidateRoundTrip(t *testing.T) {
	t.Parallel()
	for n := 0; n < 5000; n++ {
		in := strconv.Itoa(n * 7919)
		out, err := Append(in)
		if err != nil {
			t.Fatalf("Append(%q) error: %v", in, err)
		}
		if len(out) != len(in)+1 {
			t.Fatalf("Append(%q) length = %d, want %d", in, len(out), len(in)+1)
		}
		if !Validate(out) {
			t.Fatalf("Validate(%q) = false", out)
		}
		again, _ := Append(in)
		if again != out {
			t.Fatalf("Append(%q) not deterministic: %q vs %q", in, out, again)
		}
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"0", "79927398713", "4539578763621486"} {
		if !Validate(in) {
			t.Fatalf("Validate(%q) = false", in)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "79927398710", "x", "12x", "1x2"} {
		if Validate(in) {
			t.Fatalf("Validate(%q) = true", in)
		}
	}
}

func TestSingleDigitErrorsDetected(t *testing.T) {
	t.Parallel()
	valid, _ := Append("01123456742")
	for pos := 0; pos < len(valid); pos++ {
		for d := byte('0'); d <= '9'; d++ {
			if valid[pos] == d {
				continue
			}
			b := []byte(valid)
			b[pos] = d
			if Validate(string(b)) {
				t.Fatalf("single-digit change %q -> %q not detected", valid, b)
			}
		}
	}
}

func TestAdjacentTranspositionsDetected(t *testing.T) {
	t.Parallel()
	valid, _ := Append("01123456742")
	for pos := 0; pos+1 < len(valid); pos++ {
		a, b := valid[pos], valid[pos+1]
		if a == b {
			continue
		}
		// 0<->9 swaps keep the weighted sum; a known Luhn blind spot.
		if (a == '0' && b == '9') || (a == '9' && b == '0') {
			continue
		}
		sw := []byte(valid)
		sw[pos], sw[pos+1] = b, a
		if Validate(string(sw)) {
			t.Fatalf("transposition at %d (%q -> %q) not detected", pos, valid, sw)
		}
	}
}
