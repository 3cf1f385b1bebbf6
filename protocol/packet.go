package protocol

import (
	"errors"
	"strings"
)

// Pipe-delimited packets are used on the management socket only. The chat
// wire protocol is plain space-separated text (see command.go).

var ErrInvalidPacket = errors.New("invalid packet format")

type Packet struct {
	Type string
	Args []string
}

// Arg returns the i-th argument or an empty string.
func (p *Packet) Arg(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	return p.Args[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	parts := splitUnescaped(line, '|')
	pkt := &Packet{Type: unescape(parts[0])}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}
	for _, part := range parts[1:] {
		pkt.Args = append(pkt.Args, unescape(part))
	}
	return pkt, nil
}

// FormatPacket escapes every field and joins them with '|'.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, field := range fields {
		parts = append(parts, Escape(field))
	}
	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits s on delimiter, skipping escaped occurrences.
// Escape sequences are kept intact for unescape.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}
		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	return append(parts, current.String())
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case '|', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape, keep as is
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			continue
		}
		result.WriteRune(r)
	}

	// dangling backslash
	if escape {
		result.WriteRune('\\')
	}
	return result.String()
}

// Escape makes s safe to embed as a single packet field.
func Escape(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			result.WriteString(`\|`)
		case '\\':
			result.WriteString(`\\`)
		case '\n':
			result.WriteString(`\n`)
		case '\r':
			result.WriteString(`\r`)
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
