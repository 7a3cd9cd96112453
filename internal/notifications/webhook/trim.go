package webhook

import (
	"strings"

	"mailrelay/internal/mailparse"
)

// TrimRule cuts sender-specific boilerplate from a body. A rule applies when
// the parsed sender address equals one of Addresses, ends with DomainSuffix,
// or its local part starts with LocalPrefix. The body is cut at the last
// occurrence of each delimiter.
type TrimRule struct {
	Name         string
	Addresses    []string
	DomainSuffix string
	LocalPrefix  string
	Delimiters   []string
}

func (r TrimRule) matches(s mailparse.Sender) bool {
	addr := strings.ToLower(s.Address)
	for _, a := range r.Addresses {
		if addr == strings.ToLower(a) {
			return true
		}
	}
	if r.DomainSuffix != "" && strings.HasSuffix(addr, strings.ToLower(r.DomainSuffix)) {
		return true
	}
	return r.LocalPrefix != "" && strings.HasPrefix(strings.ToLower(s.Local), strings.ToLower(r.LocalPrefix))
}

// DefaultTrimRules strips reply footers from GitHub, Gerrit and Google Alerts.
func DefaultTrimRules() []TrimRule {
	return []TrimRule{
		{
			Name:      "github",
			Addresses: []string{"notifications@github.com", "noreply@github.com"},
			Delimiters: []string{
				"\n—\nReply to this email directly",
				"\n-- \nReply to this email directly",
			},
		},
		{
			Name:        "gerrit",
			LocalPrefix: "noreply-gerritcodereview",
			Delimiters:  []string{"\nTo view, visit "},
		},
		{
			Name:         "googlealerts",
			DomainSuffix: "@alerts.bounces.google.com",
			Delimiters:   []string{"\nYou have received this email because"},
		},
	}
}

func applyTrimRules(rules []TrimRule, s mailparse.Sender, body string) string {
	for _, r := range rules {
		if !r.matches(s) {
			continue
		}
		for _, d := range r.Delimiters {
			if i := strings.LastIndex(body, d); i >= 0 {
				body = body[:i]
			}
		}
		return body
	}
	return body
}

// collapseBlankLines reduces each run of blank or whitespace-only lines to a
// single empty line.
func collapseBlankLines(body string) string {
	lines := strings.Split(body, "\n")
	out := lines[:0]
	prevBlank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if prevBlank {
				continue
			}
			prevBlank = true
			out = append(out, "")
			continue
		}
		prevBlank = false
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
