package router

import (
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short request id for log correlation.
func newReqID() string {
	id := uuid.NewString()
	return id[:8] + id[9:13]
}

// tokenizeCommandLine splits command text into tokens, honoring quotes and
// backslash escapes:
//
//	/c "0100 0000 0009" --verbose
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// isFlag reports whether a looks like a flag. A lone "-" and negative
// numbers ("/g -3") are positionals.
func isFlag(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	if a[1] >= '0' && a[1] <= '9' {
		return false
	}
	return true
}

// parseFlags splits raw args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v, -abc (bool flags a, b and c)
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !isFlag(a) {
			pos = append(pos, a)
			continue
		}
		long := strings.HasPrefix(a, "--")
		key := strings.TrimLeft(a, "-")
		if key == "" {
			pos = append(pos, a)
			continue
		}
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		if long || len(key) == 1 {
			if i+1 < len(args) && !isFlag(args[i+1]) {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		for j := 0; j < len(key); j++ {
			bools[string(key[j])] = true
		}
	}
	return pos, flags, bools
}

// commandWord extracts the command name from the first token ("/G@MyBot")
// and the bot mention, if any. Both are lower-cased.
func commandWord(tok string) (word, mention string) {
	word = strings.ToLower(strings.TrimPrefix(tok, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, mention = word[:i], word[i+1:]
	}
	return word, mention
}
