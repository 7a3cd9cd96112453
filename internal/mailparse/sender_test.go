package mailparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSender(t *testing.T) {
	tests := []struct {
		raw  string
		want Sender
	}{
		{
			raw:  `"Disqus" <notifications@disqus.net>`,
			want: Sender{Address: "notifications@disqus.net", Local: "notifications", Name: "Disqus"},
		},
		{
			raw:  `Tianon Gravi <notifications@github.com>`,
			want: Sender{Address: "notifications@github.com", Local: "notifications", Name: "Tianon Gravi"},
		},
		{
			raw:  `"github-actions[bot]" <notifications@github.com>`,
			want: Sender{Address: "notifications@github.com", Local: "notifications", Name: "github-actions[bot]"},
		},
		{
			raw: `Mitsuru Oshima (Gerrit) <noreply-gerritcodereview-fsdfsdfsdfdsfdsfsdfsf==@chromium.org>`,
			want: Sender{
				Address: "noreply-gerritcodereview-fsdfsdfsdfdsfdsfsdfsf==@chromium.org",
				Local:   "noreply-gerritcodereview-fsdfsdfsdfdsfdsfsdfsf==",
				Name:    "Mitsuru Oshima (Gerrit)",
			},
		},
		{
			raw:  `Craig Macomber (Microsoft) <notifications@github.com>`,
			want: Sender{Address: "notifications@github.com", Local: "notifications", Name: "Craig Macomber (Microsoft)"},
		},
		{
			raw:  `googlealerts-noreply@google.com`,
			want: Sender{Address: "googlealerts-noreply@google.com", Local: "googlealerts-noreply"},
		},
		{
			raw:  `=?UTF-8?Q?J=C3=BCrgen_M=C3=BCller?= <jm@example.de>`,
			want: Sender{Address: "jm@example.de", Local: "jm", Name: "Jürgen Müller"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSender(tt.raw)
			require.NoError(t, err)
			tt.want.Raw = tt.raw
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSender_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "Someone <not-an-address>", "no at sign"} {
		_, err := ParseSender(raw)
		assert.ErrorIs(t, err, ErrInvalidSender, raw)
	}
}

func TestSenderLabel(t *testing.T) {
	assert.Equal(t, "Disqus <notifications@disqus.net>",
		Sender{Name: "Disqus", Address: "notifications@disqus.net"}.Label())
	assert.Equal(t, "a@b.c", Sender{Address: "a@b.c"}.Label())
}
