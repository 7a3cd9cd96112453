package webhook

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mailrelay/internal/mailparse"
)

// trimmedSuffix marks a body that was cut to fit the unit size limit.
const trimmedSuffix = "...(TRIMMED)"

// FormatInput is everything needed to render one message.
type FormatInput struct {
	Text      string
	Subject   string
	To        string
	From      string
	Sender    mailparse.Sender
	Timestamp time.Time
}

// FormatterConfig tunes the formatter.
type FormatterConfig struct {
	UnitSizeLimit int
	// FooterSkipSenders suppresses the "From" footer line for these addresses.
	FooterSkipSenders []string
	TrimRules         []TrimRule
}

// Formatter renders messages into size-bounded embeds. It holds no mutable
// state and is safe for concurrent use.
type Formatter struct {
	unitLimit int
	skip      []string
	rules     []TrimRule
}

// NewFormatter creates a Formatter. A zero UnitSizeLimit uses the default and
// nil TrimRules use DefaultTrimRules.
func NewFormatter(cfg FormatterConfig) *Formatter {
	if cfg.UnitSizeLimit <= 0 {
		cfg.UnitSizeLimit = DefaultUnitSizeLimit
	}
	if cfg.TrimRules == nil {
		cfg.TrimRules = DefaultTrimRules()
	}
	skip := make([]string, len(cfg.FooterSkipSenders))
	for i, s := range cfg.FooterSkipSenders {
		skip[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return &Formatter{unitLimit: cfg.UnitSizeLimit, skip: skip, rules: cfg.TrimRules}
}

// Format renders in as an embed and returns it with its size in characters.
// A sender without a parsed address yields mailparse.ErrInvalidSender.
func (f *Formatter) Format(in FormatInput) (Embed, int, error) {
	if in.Sender.Address == "" {
		return Embed{}, 0, fmt.Errorf("format: %w", mailparse.ErrInvalidSender)
	}

	footer := f.footer(in)
	author := authorLabel(in.Sender)
	title, overflow := splitTitle(in.Subject)

	body := strings.ReplaceAll(in.Text, "\r\n", "\n")
	if overflow != "" {
		body = overflow + "\n" + body
	}
	body = applyTrimRules(f.rules, in.Sender, body)
	body = collapseBlankLines(body)

	marker := fmt.Sprintf("<t:%d:F>", in.Timestamp.Unix())
	budget := f.unitLimit - runeLen(marker) - 1 - runeLen(trimmedSuffix)
	title, author, footer = shrinkHeaders(budget, title, author, footer)

	overhead := runeLen(title) + runeLen(author) + runeLen(footer) + runeLen(marker) + 1
	if runeLen(body)+overhead > f.unitLimit {
		cut := max(f.unitLimit-overhead-runeLen(trimmedSuffix), 0)
		body = truncateRunes(body, cut) + trimmedSuffix
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	e := Embed{
		Title:       title,
		Description: body + marker,
		Author:      EmbedAuthor{Name: author},
		Footer:      EmbedFooter{Text: footer},
	}
	return e, EmbedSize(e), nil
}

// shrinkHeaders cuts the footer, then the author, then the title until the
// three fit in budget characters.
func shrinkHeaders(budget int, title, author, footer string) (string, string, string) {
	excess := runeLen(title) + runeLen(author) + runeLen(footer) - max(budget, 0)
	for _, s := range []*string{&footer, &author, &title} {
		if excess <= 0 {
			break
		}
		n := runeLen(*s)
		cut := min(n, excess)
		*s = truncateRunes(*s, n-cut)
		excess -= cut
	}
	return title, author, footer
}

// EmbedSize is the accounting size of an embed: the character count of its
// title, description, author name and footer text.
func EmbedSize(e Embed) int {
	return runeLen(e.Title) + runeLen(e.Description) + runeLen(e.Author.Name) + runeLen(e.Footer.Text)
}

func (f *Formatter) footer(in FormatInput) string {
	footer := "Sent to " + in.To
	if !slices.Contains(f.skip, strings.ToLower(in.Sender.Address)) {
		footer += "\nFrom " + in.From
	}
	return truncateRunes(footer, MaxFooterLen)
}

func authorLabel(s mailparse.Sender) string {
	label := s.Label()
	if runeLen(label) > authorCompactLen && s.Name != "" {
		label = s.Name + "\n" + s.Address
	}
	if runeLen(label) > MaxAuthorLen {
		label = truncateRunes(s.Address, MaxAuthorLen)
	}
	return label
}

// splitTitle returns the title and the text that did not fit in it.
func splitTitle(subject string) (title, overflow string) {
	if runeLen(subject) <= MaxTitleLen {
		return subject, ""
	}
	r := []rune(subject)
	return string(r[:MaxTitleLen-3]) + "...", string(r[MaxTitleLen:])
}

// IsInvalidSender reports whether err came from an unparseable sender.
func IsInvalidSender(err error) bool {
	return errors.Is(err, mailparse.ErrInvalidSender)
}
