package lmtp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/busybox42/elemta-lmtp/internal/routing"
)

// Kind classifies a reply.
type Kind int

const (
	KindSuccess Kind = iota + 1
	KindTempFailure
	KindPermFailure
	KindSyntaxError
	KindBadSequence
	KindNotTrusted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTempFailure:
		return "temporary-failure"
	case KindPermFailure:
		return "permanent-failure"
	case KindSyntaxError:
		return "syntax-error"
	case KindBadSequence:
		return "bad-sequence"
	case KindNotTrusted:
		return "not-trusted"
	default:
		return "unknown"
	}
}

// Reply is a single-line protocol reply. Handlers return it as an error.
type Reply struct {
	Code     int
	Enhanced string
	Text     string
	kind     Kind
}

// NewReply formats a reply.
func NewReply(code int, enhanced, format string, args ...any) *Reply {
	return &Reply{Code: code, Enhanced: enhanced, Text: fmt.Sprintf(format, args...)}
}

func (r *Reply) Error() string {
	return r.String()
}

// String returns the reply line without CRLF.
func (r *Reply) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Code))
	if r.Enhanced != "" {
		b.WriteString(" " + r.Enhanced)
	}
	if r.Text != "" {
		b.WriteString(" " + r.Text)
	}
	return b.String()
}

// Kind returns the class of the reply.
func (r *Reply) Kind() Kind {
	if r.kind != 0 {
		return r.kind
	}
	switch {
	case r.Code < 400:
		return KindSuccess
	case r.Code == 500 || r.Code == 501 || r.Code == 555:
		return KindSyntaxError
	case r.Code == 503:
		return KindBadSequence
	case r.Code < 500:
		return KindTempFailure
	default:
		return KindPermFailure
	}
}

func syntaxError(format string, args ...any) *Reply {
	r := NewReply(501, "5.5.4", format, args...)
	r.kind = KindSyntaxError
	return r
}

func notSupported(format string, args ...any) *Reply {
	r := NewReply(555, "5.5.4", format, args...)
	r.kind = KindSyntaxError
	return r
}

func badSequence(text string) *Reply {
	return &Reply{Code: 503, Enhanced: "5.5.1", Text: text, kind: KindBadSequence}
}

func notTrusted() *Reply {
	return &Reply{Code: 550, Text: "You are not from trusted IP", kind: KindNotTrusted}
}

var (
	replyOK            = &Reply{Code: 250, Enhanced: "2.0.0", Text: "OK"}
	replyUnknown       = &Reply{Code: 500, Enhanced: "5.5.1", Text: "Unknown command"}
	replyInternalError = &Reply{Code: 451, Enhanced: "4.3.0", Text: "Internal server error"}
)

// replyFromRejection converts a routing failure.
func replyFromRejection(rej *routing.Rejection) *Reply {
	return &Reply{Code: rej.Code, Enhanced: rej.Enhanced, Text: rej.Text}
}

// parseReply parses a "code [enhanced] text" line as produced by a remote
// server. Unparsable lines become a temporary failure carrying the line.
func parseReply(line string) *Reply {
	if len(line) >= 3 {
		if code, err := strconv.Atoi(line[:3]); err == nil && code >= 200 && code < 600 {
			rest := strings.TrimPrefix(line[3:], " ")
			enhanced, text, _ := strings.Cut(rest, " ")
			if isEnhancedCode(enhanced) {
				return &Reply{Code: code, Enhanced: enhanced, Text: text}
			}
			return &Reply{Code: code, Text: rest}
		}
	}
	return &Reply{Code: 451, Enhanced: "4.3.0", Text: line}
}

func isEnhancedCode(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return parts[0] == "2" || parts[0] == "4" || parts[0] == "5"
}
