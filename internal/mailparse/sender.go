// Package mailparse turns raw RFC 5322 messages into the pieces the relay
// renders: the parsed sender, the usable body text and auxiliary identifiers.
package mailparse

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrInvalidSender is returned when a From header has no usable address.
var ErrInvalidSender = errors.New("mailparse: invalid sender")

// Sender is a From header split into its parts. Name keeps parenthesised
// text ("Mitsuru Oshima (Gerrit)") and has surrounding quotes removed.
type Sender struct {
	Raw     string
	Address string
	Local   string
	Name    string
}

// Label renders "Name <address>", or just the address when Name is empty.
func (s Sender) Label() string {
	if s.Name == "" {
		return s.Address
	}
	return s.Name + " <" + s.Address + ">"
}

var angleAddr = regexp.MustCompile(`^(.*?)\s*<([^<>]+)>\s*$`)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseSender parses a raw From header value.
func ParseSender(raw string) (Sender, error) {
	s := Sender{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return s, fmt.Errorf("%w: empty header", ErrInvalidSender)
	}

	addr := trimmed
	if m := angleAddr.FindStringSubmatch(trimmed); m != nil {
		s.Name = decodeWords(unquote(strings.TrimSpace(m[1])))
		addr = strings.TrimSpace(m[2])
	}

	// Validates the addr-spec; display names are handled above so that
	// parenthesised text is not discarded as a comment.
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return s, fmt.Errorf("%w: %q: %v", ErrInvalidSender, raw, err)
	}
	s.Address = parsed.Address
	if at := strings.LastIndexByte(s.Address, '@'); at > 0 {
		s.Local = s.Address[:at]
	} else {
		return s, fmt.Errorf("%w: %q has no domain", ErrInvalidSender, raw)
	}
	return s, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, `\"`, `"`)
		s = strings.ReplaceAll(s, `\\`, `\`)
	}
	return strings.TrimSpace(s)
}

func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(decoded)
}
