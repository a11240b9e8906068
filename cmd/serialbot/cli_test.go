package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	sn "serialbot/pkg/serial"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "generate", "-n", "5", "--at", "2026-04-01T00:00:10Z", "--raw")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(out)
	if len(lines) != 5 {
		t.Fatalf("got %d serials, want 5:\n%s", len(lines), out)
	}
	seen := map[string]bool{}
	for _, l := range lines {
		res := sn.Default().Check(l)
		if !res.OK {
			t.Fatalf("%s does not validate: %v", l, res.Reason)
		}
		if !strings.HasPrefix(l, "020000010") {
			t.Errorf("%s: wrong quarter or offset", l)
		}
		if res.Serial.Adds < 1 || res.Serial.Adds > sn.MaxAdds {
			t.Errorf("%s: disambiguator %d out of range", l, res.Serial.Adds)
		}
		seen[l] = true
	}
	if len(seen) != 5 {
		t.Fatalf("duplicates in %v", lines)
	}
}

func TestGenerateFormattedAndErrors(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "g", "--at", "2026-02-01")
	if err != nil {
		t.Fatal(err)
	}
	s := strings.TrimSpace(out)
	if len(s) != 14 || s[4] != '-' || s[9] != '-' {
		t.Fatalf("not formatted: %q", s)
	}

	for _, args := range [][]string{
		{"generate", "-n", "0"},
		{"generate", "-n", "100"},
		{"generate", "--at", "2025-12-31T23:59:59Z"},
		{"generate", "--at", "yesterday"},
		{"generate", "--epoch", "2001-01-01", "--at", "2026-01-01"},
		{"generate", "--label", "emoji"},
	} {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("%v: expected an error", args)
		}
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	raw, err := sn.Default().Generate(time.Date(2026, 5, 2, 3, 4, 5, 0, time.UTC), 42)
	if err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "check", "--label", "roman", sn.Format(raw))
	if err != nil {
		t.Fatalf("valid serial: %v\n%s", err, out)
	}
	for _, want := range []string{sn.Format(raw), "valid", "II 2026", "quarter 2", "issued 2026-05-02T03:04:05Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}

	mistyped := raw[:11] + string('0'+(raw[11]-'0'+1)%10)
	out, err = execute(t, "check", raw, mistyped, "1234")
	if !errors.Is(err, errInvalidSerial) {
		t.Fatalf("err = %v, want errInvalidSerial", err)
	}
	if got := strings.Count(out, "\tinvalid\t"); got != 2 {
		t.Fatalf("invalid lines = %d, want 2:\n%s", got, out)
	}
	if !strings.Contains(out, sn.ErrChecksumMismatch.Error()) || !strings.Contains(out, sn.ErrWrongLength.Error()) {
		t.Fatalf("reasons missing:\n%s", out)
	}

	if _, err := execute(t, "check"); err == nil {
		t.Fatal("check without arguments should fail")
	}
}

func TestQuarter(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "quarter", "--at", "2026-08-15T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	want := "quarter:   3 (07.2026, Q3 2026)\n" +
		"from:      2026-07-01\n" +
		"to:        2026-10-01\n" +
		"epoch:     2026-01-01\n" +
		"remaining: 96\n"
	if out != want {
		t.Fatalf("got:\n%s\nwant:\n%s", out, want)
	}

	out, err = execute(t, "quarter", "--epoch", "2001-03-15", "--at", "2026-08-15")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "quarter:   103") || !strings.Contains(out, "overflowed") {
		t.Fatalf("overflow not reported:\n%s", out)
	}
}
