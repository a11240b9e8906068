package serial

import (
	"fmt"
	"strings"
)

// Period is the calendar quarter a serial was issued in.
type Period struct {
	Index   int // quarter index as encoded in the serial
	Year    int
	Quarter int // 1..4
}

// LabelStyle selects how a period is rendered for users.
type LabelStyle string

const (
	LabelMonth   LabelStyle = "month"   // 04.2026 (first month of the quarter)
	LabelRoman   LabelStyle = "roman"   // II 2026
	LabelQuarter LabelStyle = "quarter" // Q2 2026
)

// ParseLabelStyle maps a config string to a style. Empty means LabelMonth.
func ParseLabelStyle(s string) (LabelStyle, error) {
	switch st := LabelStyle(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return LabelMonth, nil
	case LabelMonth, LabelRoman, LabelQuarter:
		return st, nil
	default:
		return "", fmt.Errorf("unknown label style %q (want month, roman or quarter)", s)
	}
}

var romanQuarters = [...]string{"I", "II", "III", "IV"}

// Roman returns the quarter within the year as a roman numeral.
func (p Period) Roman() string {
	if p.Quarter < 1 || p.Quarter > 4 {
		return "?"
	}
	return romanQuarters[p.Quarter-1]
}

// Month returns the first month of the quarter (1, 4, 7 or 10).
func (p Period) Month() int { return (p.Quarter-1)*3 + 1 }

// MonthLabel renders the period as MM.YYYY.
func (p Period) MonthLabel() string { return fmt.Sprintf("%02d.%d", p.Month(), p.Year) }

// Label renders the period in the given style.
func (p Period) Label(style LabelStyle) string {
	switch style {
	case LabelRoman:
		return fmt.Sprintf("%s %d", p.Roman(), p.Year)
	case LabelQuarter:
		return p.String()
	default:
		return p.MonthLabel()
	}
}

func (p Period) String() string { return fmt.Sprintf("Q%d %d", p.Quarter, p.Year) }
