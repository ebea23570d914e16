package elfx

import (
	"debug/elf"
	"strings"
)

// Variables are the values of the substitution tokens recognized in RPATH and
// RUNPATH entries.
type Variables struct {
	Origin    string `json:"origin,omitempty"`
	Lib       string `json:"lib,omitempty"`
	Platform  string `json:"platform,omitempty"`
	OSName    string `json:"osname,omitempty"`
	OSRelease string `json:"osrel,omitempty"`
}

// lookup returns the value of the named token. Tokens with an empty value are
// reported as unknown so they are left in place.
func (v Variables) lookup(name string) (string, bool) {
	var val string
	switch name {
	case "ORIGIN":
		val = v.Origin
	case "LIB":
		val = v.Lib
	case "PLATFORM":
		val = v.Platform
	case "OSNAME":
		val = v.OSName
	case "OSREL":
		val = v.OSRelease
	}
	return val, val != ""
}

// LibFor returns the conventional value of $LIB for the given class.
func LibFor(class elf.Class) string {
	if class == elf.ELFCLASS32 {
		return "lib"
	}
	return "lib64"
}

// Expand replaces the $NAME and ${NAME} tokens of raw using vars. Unknown
// tokens and unterminated braces are kept as is, and substituted values aren't
// expanded again.
func Expand(raw string, vars Variables) string {
	return expand(raw, vars.lookup)
}

// expand is a variant of os.Expand that keeps the unknown variables in place.
func expand(s string, mapping func(string) (string, bool)) string {
	var buf strings.Builder
	buf.Grow(len(s))

	i := 0
	for j := 0; j < len(s); j++ {
		if s[j] != '$' || j+1 >= len(s) {
			continue
		}

		var name string
		var w int // Width of the token, without the dollar.
		if s[j+1] == '{' {
			end := strings.IndexByte(s[j+2:], '}')
			if end < 0 {
				continue
			}
			name, w = s[j+2:j+2+end], end+2
		} else {
			for w < len(s)-j-1 && isAlphaNum(s[j+1+w]) {
				w++
			}
			name = s[j+1 : j+1+w]
		}

		val, ok := mapping(name)
		if !ok {
			continue
		}

		buf.WriteString(s[i:j])
		buf.WriteString(val)
		j += w
		i = j + 1
	}

	buf.WriteString(s[i:])
	return buf.String()
}

func isAlphaNum(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
