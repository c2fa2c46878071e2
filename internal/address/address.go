// Package address parses and encodes the mailbox paths and ESMTP parameters
// carried by MAIL and RCPT commands.
package address

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrBadSyntax is wrapped by every syntax error reported by this package.
	ErrBadSyntax = errors.New("bad syntax")
	// ErrNotSupported is wrapped when a well formed parameter is not supported.
	ErrNotSupported = errors.New("not supported")
)

// ParseFlags relax the path grammar.
type ParseFlags int

const (
	// AllowEmpty accepts the null path "<>".
	AllowEmpty ParseFlags = 1 << iota
	// AllowLocalPart accepts a path without a domain.
	AllowLocalPart
)

// Address is a mailbox address. The zero value is the null address.
type Address struct {
	LocalPart string
	Domain    string
}

// SyntaxError describes why a path or parameter was rejected.
type SyntaxError struct {
	Kind error
	Msg  string
}

func (e *SyntaxError) Error() string { return e.Msg }
func (e *SyntaxError) Unwrap() error { return e.Kind }

func badSyntax(format string, args ...any) error {
	return &SyntaxError{Kind: ErrBadSyntax, Msg: fmt.Sprintf(format, args...)}
}

func notSupported(format string, args ...any) error {
	return &SyntaxError{Kind: ErrNotSupported, Msg: fmt.Sprintf(format, args...)}
}

// IsNull reports whether a is the null reverse path.
func (a Address) IsNull() bool {
	return a.LocalPart == "" && a.Domain == ""
}

// Encode returns the address in its wire form, quoting the local part when
// it is not a dot-atom.
func (a Address) Encode() string {
	if a.IsNull() {
		return ""
	}
	lp := a.LocalPart
	if !IsDotAtom(lp) {
		lp = quote(lp)
	}
	if a.Domain == "" {
		return lp
	}
	return lp + "@" + a.Domain
}

func (a Address) String() string {
	return a.Encode()
}

// Path returns the address enclosed in angle brackets.
func (a Address) Path() string {
	return "<" + a.Encode() + ">"
}

// Equal compares addresses with a case-insensitive domain.
func (a Address) Equal(b Address) bool {
	return a.LocalPart == b.LocalPart && strings.EqualFold(a.Domain, b.Domain)
}

// Detail splits the local part at the first character found in delims.
// When no delimiter is present base is the whole local part and delim is 0.
func (a Address) Detail(delims string) (base, detail string, delim rune) {
	if delims == "" {
		return a.LocalPart, "", 0
	}
	i := strings.IndexAny(a.LocalPart, delims)
	if i < 0 {
		return a.LocalPart, "", 0
	}
	r, size := utf8.DecodeRuneInString(a.LocalPart[i:])
	return a.LocalPart[:i], a.LocalPart[i+size:], r
}

// Username returns the lookup key for the address with any detail removed,
// along with the detail and the delimiter that introduced it.
func (a Address) Username(delims string) (username, detail string, delim rune) {
	base, detail, delim := a.Detail(delims)
	if a.Domain == "" {
		return base, detail, delim
	}
	if delim == 0 {
		return a.Encode(), "", 0
	}
	return Address{LocalPart: base, Domain: a.Domain}.Encode(), detail, delim
}

// HasDetail reports whether the local part contains any of delims.
func (a Address) HasDetail(delims string) bool {
	return delims != "" && strings.ContainsAny(a.LocalPart, delims)
}

// WithDetail returns a copy of a with detail appended to the local part.
func (a Address) WithDetail(detail string, delim rune) Address {
	if detail == "" || delim == 0 {
		return a
	}
	a.LocalPart = a.LocalPart + string(delim) + detail
	return a
}

// Parse parses a "<local@domain>" path and returns the text following the
// closing bracket.
func Parse(s string, flags ParseFlags) (Address, string, error) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, "<") {
		return Address{}, "", badSyntax("Missing '<' at beginning of path")
	}
	end := closingBracket(s)
	if end < 0 {
		return Address{}, "", badSyntax("Missing '>' at end of path")
	}
	inner, rest := s[1:end], s[end+1:]
	if rest != "" && rest[0] != ' ' {
		return Address{}, "", badSyntax("Invalid character in path")
	}

	// Source routes are obsolete; drop them.
	if strings.HasPrefix(inner, "@") {
		i := strings.IndexByte(inner, ':')
		if i < 0 {
			return Address{}, "", badSyntax("Invalid source route")
		}
		inner = inner[i+1:]
	}

	if inner == "" {
		if flags&AllowEmpty == 0 {
			return Address{}, "", badSyntax("Null path not allowed")
		}
		return Address{}, rest, nil
	}

	addr, err := parseMailbox(inner, flags)
	if err != nil {
		return Address{}, "", err
	}
	return addr, rest, nil
}

// ParseUsername parses a bare "local@domain" or "local" string such as a
// user name returned by a lookup.
func ParseUsername(s string) (Address, error) {
	if s == "" {
		return Address{}, badSyntax("Empty username")
	}
	return parseMailbox(s, AllowLocalPart)
}

func parseMailbox(s string, flags ParseFlags) (Address, error) {
	at := lastUnquotedAt(s)
	var local, domain string
	if at < 0 {
		if flags&AllowLocalPart == 0 {
			return Address{}, badSyntax("Missing domain")
		}
		local = s
	} else {
		local, domain = s[:at], s[at+1:]
		if domain == "" {
			return Address{}, badSyntax("Missing domain")
		}
		if !ValidDomain(domain) {
			return Address{}, badSyntax("Invalid domain")
		}
	}

	lp, err := parseLocalPart(local)
	if err != nil {
		return Address{}, err
	}
	return Address{LocalPart: lp, Domain: domain}, nil
}

func parseLocalPart(s string) (string, error) {
	if s == "" {
		return "", badSyntax("Empty localpart")
	}
	if s[0] == '"' {
		if len(s) < 2 || s[len(s)-1] != '"' {
			return "", badSyntax("Invalid quoted localpart")
		}
		var b strings.Builder
		for i := 1; i < len(s)-1; i++ {
			c := s[i]
			switch {
			case c == '\\':
				i++
				if i >= len(s)-1 {
					return "", badSyntax("Invalid quoted localpart")
				}
				b.WriteByte(s[i])
			case c == '"' || c < 0x20 || c == 0x7f:
				return "", badSyntax("Invalid character in localpart")
			default:
				b.WriteByte(c)
			}
		}
		return normalize(b.String()), nil
	}
	if !IsDotAtom(s) {
		return "", badSyntax("Invalid character in localpart")
	}
	return normalize(s), nil
}

func normalize(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return norm.NFC.String(s)
		}
	}
	return s
}

// ValidDomain reports whether s is a dot-atom domain or an address literal.
func ValidDomain(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '[' {
		if len(s) < 3 || s[len(s)-1] != ']' {
			return false
		}
		return !strings.ContainsAny(s[1:len(s)-1], "[]\\ ")
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if r >= utf8.RuneSelf {
				continue
			}
			if !isLetterDigit(byte(r)) && r != '-' {
				return false
			}
		}
	}
	return true
}

func isLetterDigit(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isAtext(c byte) bool {
	if isLetterDigit(c) || c >= utf8.RuneSelf {
		return true
	}
	return strings.IndexByte("!#$%&'*+-/=?^_`{|}~", c) >= 0
}

// IsDotAtom reports whether s is an RFC 5322 dot-atom.
func IsDotAtom(s string) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '.' && !isAtext(s[i]) {
			return false
		}
	}
	return true
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func closingBracket(s string) int {
	quoted := false
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case '>':
			if !quoted {
				return i
			}
		}
	}
	return -1
}

func lastUnquotedAt(s string) int {
	quoted := false
	at := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case '@':
			if !quoted {
				at = i
			}
		}
	}
	return at
}
