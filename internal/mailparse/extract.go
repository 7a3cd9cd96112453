package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrUnextractable is returned when a message yields no usable text.
var ErrUnextractable = errors.New("mailparse: no usable text content")

// Content is the textual payload of a message.
type Content struct {
	// Text is the body to render: the plain part, or text derived from HTML.
	Text string
	// HTML is the raw text/html part.
	HTML string
	// DecodedText is the raw text/plain part after transfer and charset decoding.
	DecodedText string
	Headers     mail.Header
}

// Extract parses raw and selects the body text. The first inline text/plain
// and text/html parts are used; attachments are ignored.
func Extract(raw []byte) (*Content, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	c := &Content{Headers: mr.Header}
	var haveText, haveHTML bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("read part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct == "" {
			ct = "text/plain"
		}
		if (ct == "text/plain" && haveText) || (ct == "text/html" && haveHTML) {
			continue
		}
		if ct != "text/plain" && ct != "text/html" {
			continue
		}

		body, err := io.ReadAll(p.Body)
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read %s part: %w", ct, err)
		}
		if ct == "text/plain" {
			c.DecodedText, haveText = string(body), true
		} else {
			c.HTML, haveHTML = string(body), true
		}
	}

	switch {
	case !IsBlank(c.DecodedText):
		c.Text = c.DecodedText
	case !IsBlank(c.HTML):
		c.Text = HTMLToText(c.HTML)
	}
	if IsBlank(c.Text) {
		return c, ErrUnextractable
	}
	return c, nil
}

// IsBlank reports whether s holds only whitespace, newlines or U+00A0.
func IsBlank(s string) bool {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\u00a0'
	}) == ""
}

// Subject returns the decoded Subject header, falling back to the raw value.
func (c *Content) Subject() string {
	if s, err := c.Headers.Subject(); err == nil {
		return s
	}
	raw := c.Headers.Get("Subject")
	if dec, err := wordDecoder.DecodeHeader(raw); err == nil {
		return dec
	}
	return raw
}
