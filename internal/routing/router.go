// Package routing picks the webhook destination for a queued message.
package routing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"mailrelay/internal/notifications/webhook"
	"mailrelay/internal/types"

	"github.com/go-playground/validator/v10"
)

// DefaultDestination is the name used when no rule matches.
const DefaultDestination = "default"

// Field selects which message attribute a rule inspects.
type Field string

const (
	FieldFrom    Field = "from"
	FieldRawFrom Field = "raw_from"
	FieldTo      Field = "to"
)

// MatchKind selects how Pattern is compared.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchSuffix MatchKind = "suffix"
	MatchRegex  MatchKind = "regex"
)

// Rule maps messages whose Field matches Pattern to Destination.
// Exact and suffix matches are case-insensitive.
type Rule struct {
	Name        string    `json:"name" validate:"required"`
	Field       Field     `json:"field" validate:"required,oneof=from raw_from to"`
	Match       MatchKind `json:"match" validate:"required,oneof=exact suffix regex"`
	Pattern     string    `json:"pattern" validate:"required"`
	Destination string    `json:"destination" validate:"required"`
}

// DefaultRules is the built-in routing table.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "github-noreply", Field: FieldFrom, Match: MatchExact, Pattern: "noreply@github.com", Destination: "github"},
		{Name: "github-notifications", Field: FieldFrom, Match: MatchExact, Pattern: "notifications@github.com", Destination: "github"},
		{Name: "github-sgmail", Field: FieldFrom, Match: MatchSuffix, Pattern: "@sgmail.github.com", Destination: "github"},
		{Name: "disqus", Field: FieldFrom, Match: MatchExact, Pattern: "notifications@disqus.net", Destination: "disqus"},
		{Name: "gerrit", Field: FieldFrom, Match: MatchRegex, Pattern: `^postmaster@mail[a-z0-9-]*\.google\.com$`, Destination: "gerrit"},
		{Name: "googlealerts", Field: FieldFrom, Match: MatchSuffix, Pattern: "@alerts.bounces.google.com", Destination: "googlealerts"},
	}
}

// ParseRules decodes a JSON array of rules.
func ParseRules(data string) ([]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, fmt.Errorf("routing: decode rules: %w", err)
	}
	return rules, nil
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func (r compiledRule) matches(value string) bool {
	switch r.Match {
	case MatchExact:
		return strings.EqualFold(value, r.Pattern)
	case MatchSuffix:
		return strings.HasSuffix(strings.ToLower(value), strings.ToLower(r.Pattern))
	case MatchRegex:
		return r.re.MatchString(value)
	}
	return false
}

// Router resolves messages to destinations. It is immutable after New.
type Router struct {
	rules        []compiledRule
	destinations map[string]webhook.Destination
	fallback     webhook.Destination
	logger       types.Logger
}

// New validates and compiles rules. urls maps destination names to webhook
// URLs; defaultURL serves DefaultDestination and every unmatched message.
// A rule naming a destination absent from urls routes to the default and
// is reported once with a warning. urls may name DefaultDestination only
// with defaultURL itself.
func New(rules []Rule, urls map[string]string, defaultURL string, logger types.Logger) (*Router, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if defaultURL == "" {
		return nil, fmt.Errorf("routing: default destination URL is required")
	}

	v := validator.New()
	r := &Router{
		destinations: make(map[string]webhook.Destination, len(urls)+1),
		fallback:     webhook.Destination{Name: DefaultDestination, URL: defaultURL},
		logger:       logger,
	}
	for name, url := range urls {
		r.destinations[name] = webhook.Destination{Name: name, URL: url}
	}
	// Batches are grouped by destination name, so one name must mean one URL.
	if d, ok := r.destinations[DefaultDestination]; ok && d.URL != defaultURL {
		return nil, fmt.Errorf("routing: destination %q maps to %s but the default webhook is %s",
			DefaultDestination, d.URL, defaultURL)
	}
	r.destinations[DefaultDestination] = r.fallback

	for i, rule := range rules {
		if err := v.Struct(rule); err != nil {
			return nil, fmt.Errorf("routing: rule %d (%q): %w", i, rule.Name, err)
		}
		cr := compiledRule{Rule: rule}
		if rule.Match == MatchRegex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("routing: rule %d (%q): %w", i, rule.Name, err)
			}
			cr.re = re
		}
		if _, ok := r.destinations[rule.Destination]; !ok {
			logger.Warn("routing rule names unconfigured destination, using default",
				"rule", rule.Name,
				"destination", rule.Destination,
			)
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// Route returns the destination of the first matching rule, or the default.
func (r *Router) Route(msg types.EmailQueueMessage) webhook.Destination {
	for _, rule := range r.rules {
		if !rule.matches(fieldValue(msg, rule.Field)) {
			continue
		}
		if d, ok := r.destinations[rule.Destination]; ok {
			return d
		}
		return r.fallback
	}
	return r.fallback
}

// Destinations lists every configured destination by name.
func (r *Router) Destinations() map[string]webhook.Destination {
	out := make(map[string]webhook.Destination, len(r.destinations))
	for k, v := range r.destinations {
		out[k] = v
	}
	return out
}

func fieldValue(msg types.EmailQueueMessage, f Field) string {
	switch f {
	case FieldRawFrom:
		return msg.RawFromHeader
	case FieldTo:
		return msg.To
	default:
		return msg.From
	}
}
