package serial

import "strings"

// GroupSize is the number of digits per display group.
const GroupSize = 4

// Format groups raw in fours separated by '-'. It never fails; a trailing
// short group is kept as is.
func Format(raw string) string {
	if len(raw) <= GroupSize {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + len(raw)/GroupSize)
	for i := 0; i < len(raw); i += GroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + GroupSize
		if end > len(raw) {
			end = len(raw)
		}
		b.WriteString(raw[i:end])
	}
	return b.String()
}

// Unformat returns the ASCII digits of input in order, whatever their count.
func Unformat(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for i := 0; i < len(input); i++ {
		if ch := input[i]; ch >= '0' && ch <= '9' {
			b.WriteByte(ch)
		}
	}
	return b.String()
}
