package address

import (
	"strconv"
	"strings"
)

// Body types accepted in the MAIL BODY parameter.
const (
	Body7Bit     = "7BIT"
	Body8BitMIME = "8BITMIME"
)

// MailParams are the ESMTP parameters of a MAIL command.
type MailParams struct {
	Body  string
	Size  int64
	EnvID string
	Ret   string
	Auth  string
}

// RcptParams are the ESMTP parameters of a RCPT command.
type RcptParams struct {
	// ORCPT is the decoded original recipient when it is an rfc822 address.
	ORCPT *Address
	// ORCPTRaw is the parameter value as received, re-sent when forwarding.
	ORCPTRaw string
	Notify   []string
}

func splitParams(s string) ([]string, []string, error) {
	fields := strings.Fields(s)
	keys := make([]string, 0, len(fields))
	values := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		key, value, _ := strings.Cut(f, "=")
		key = strings.ToUpper(key)
		if key == "" {
			return nil, nil, badSyntax("Empty parameter keyword")
		}
		if seen[key] {
			return nil, nil, badSyntax("Duplicate %s= parameter", key)
		}
		seen[key] = true
		keys = append(keys, key)
		values = append(values, value)
	}
	return keys, values, nil
}

// ParseMailParams parses the parameter list following a MAIL path.
func ParseMailParams(s string) (MailParams, error) {
	var p MailParams
	keys, values, err := splitParams(s)
	if err != nil {
		return p, err
	}
	for i, key := range keys {
		value := values[i]
		switch key {
		case "BODY":
			switch strings.ToUpper(value) {
			case Body7Bit, Body8BitMIME:
				p.Body = strings.ToUpper(value)
			case "BINARYMIME":
				return p, notSupported("Unsupported BODY= parameter value")
			default:
				return p, badSyntax("Invalid BODY= parameter value")
			}
		case "SIZE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return p, badSyntax("Invalid SIZE= parameter value")
			}
			p.Size = n
		case "ENVID":
			if value == "" {
				return p, badSyntax("Missing ENVID= parameter value")
			}
			envid, err := DecodeXtext(value)
			if err != nil {
				return p, badSyntax("Invalid ENVID= parameter value")
			}
			p.EnvID = envid
		case "RET":
			switch strings.ToUpper(value) {
			case "FULL", "HDRS":
				p.Ret = strings.ToUpper(value)
			default:
				return p, badSyntax("Invalid RET= parameter value")
			}
		case "AUTH":
			if value == "" {
				return p, badSyntax("Missing AUTH= parameter value")
			}
			p.Auth = value
		default:
			return p, notSupported("Unsupported %s parameter", key)
		}
	}
	return p, nil
}

// String encodes the parameters for a forwarded MAIL command, with a
// leading space when non-empty.
func (p MailParams) String() string {
	var b strings.Builder
	if p.Body != "" {
		b.WriteString(" BODY=" + p.Body)
	}
	if p.Size > 0 {
		b.WriteString(" SIZE=" + strconv.FormatInt(p.Size, 10))
	}
	if p.EnvID != "" {
		b.WriteString(" ENVID=" + EncodeXtext(p.EnvID))
	}
	if p.Ret != "" {
		b.WriteString(" RET=" + p.Ret)
	}
	if p.Auth != "" {
		b.WriteString(" AUTH=" + p.Auth)
	}
	return b.String()
}

// ParseRcptParams parses the parameter list following a RCPT path.
func ParseRcptParams(s string) (RcptParams, error) {
	var p RcptParams
	keys, values, err := splitParams(s)
	if err != nil {
		return p, err
	}
	for i, key := range keys {
		value := values[i]
		switch key {
		case "ORCPT":
			if err := p.parseORCPT(value); err != nil {
				return p, err
			}
		case "NOTIFY":
			notify, err := parseNotify(value)
			if err != nil {
				return p, err
			}
			p.Notify = notify
		default:
			return p, notSupported("Unsupported %s parameter", key)
		}
	}
	return p, nil
}

func (p *RcptParams) parseORCPT(value string) error {
	addrType, raw, ok := strings.Cut(value, ";")
	if !ok || addrType == "" || raw == "" {
		return badSyntax("Invalid ORCPT= parameter value")
	}
	decoded, err := DecodeXtext(raw)
	if err != nil {
		return badSyntax("Invalid ORCPT= parameter value")
	}
	p.ORCPTRaw = value
	if !strings.EqualFold(addrType, "rfc822") {
		return nil
	}
	addr, err := ParseUsername(decoded)
	if err != nil || addr.Domain == "" {
		return badSyntax("Invalid ORCPT= address")
	}
	p.ORCPT = &addr
	return nil
}

func parseNotify(value string) ([]string, error) {
	if value == "" {
		return nil, badSyntax("Missing NOTIFY= parameter value")
	}
	parts := strings.Split(strings.ToUpper(value), ",")
	for _, part := range parts {
		switch part {
		case "NEVER":
			if len(parts) > 1 {
				return nil, badSyntax("NOTIFY=NEVER cannot be combined with other values")
			}
		case "SUCCESS", "FAILURE", "DELAY":
		default:
			return nil, badSyntax("Invalid NOTIFY= parameter value")
		}
	}
	return parts, nil
}

// String encodes the parameters for a forwarded RCPT command, with a
// leading space when non-empty.
func (p RcptParams) String() string {
	var b strings.Builder
	if len(p.Notify) > 0 {
		b.WriteString(" NOTIFY=" + strings.Join(p.Notify, ","))
	}
	if p.ORCPTRaw != "" {
		b.WriteString(" ORCPT=" + p.ORCPTRaw)
	}
	return b.String()
}
