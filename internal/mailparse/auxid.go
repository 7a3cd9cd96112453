package mailparse

import (
	"regexp"
	"strings"
)

// govDeliveryURL matches GovDelivery subscription, bulletin and image links,
// including the loc.gov white-label host. The capture is the account code.
var govDeliveryURL = regexp.MustCompile(
	`(?i)https?://(?:[a-z0-9-]+\.)*(?:govdelivery\.com|loc\.gov)/(?:accounts|attachments/fancy_images)/([a-z_-]+)/`)

// FindAuxID returns the upper-cased GovDelivery account code from the first
// text that contains one.
func FindAuxID(texts ...string) (string, bool) {
	for _, t := range texts {
		if m := govDeliveryURL.FindStringSubmatch(t); m != nil {
			return strings.ToUpper(m[1]), true
		}
	}
	return "", false
}

// AuxID scans the message in Text, DecodedText, HTML order.
func (c *Content) AuxID() (string, bool) {
	return FindAuxID(c.Text, c.DecodedText, c.HTML)
}
