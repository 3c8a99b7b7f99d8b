package sastoken

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenString(uri, sig string, expiry int64, extra string) string {
	return "SharedAccessSignature sr=" + uri + "&sig=" + sig + "&se=" + strconv.FormatInt(expiry, 10) + extra
}

func TestParse(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()

	t.Run("valid", func(t *testing.T) {
		s := tokenString("scope%2Fregistrations%2Fdev1", "abc%2Bdef%3D", future, "&skn=registration")
		tok, err := Parse(s)
		require.NoError(t, err)

		assert.Equal(t, s, tok.String())
		assert.Equal(t, "scope/registrations/dev1", tok.ResourceURI())
		assert.Equal(t, "abc+def=", tok.Signature())
		assert.Equal(t, "registration", tok.KeyName())
		assert.Equal(t, future, tok.ExpiryTime().Unix())
		assert.False(t, tok.IsExpired())
		assert.Empty(t, tok.ExtraFields())
	})

	t.Run("fractional expiry", func(t *testing.T) {
		tok, err := Parse("SharedAccessSignature sr=a&sig=b&se=1700000000.5")
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), tok.ExpiryTime().Unix())
		assert.Equal(t, 500*time.Millisecond, time.Duration(tok.ExpiryTime().Nanosecond()))
		assert.True(t, tok.IsExpired())
	})

	t.Run("extra fields tolerated", func(t *testing.T) {
		tok, err := Parse(tokenString("a", "b", future, "&foo=bar"))
		require.NoError(t, err)
		assert.Equal(t, []string{"foo"}, tok.ExtraFields())
	})

	malformed := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no marker", "sr=a&sig=b&se=1"},
		{"marker twice", "SharedAccessSignature SharedAccessSignature sr=a&sig=b&se=1"},
		{"missing sr", "SharedAccessSignature sig=b&se=1"},
		{"missing sig", "SharedAccessSignature sr=a&se=1"},
		{"missing se", "SharedAccessSignature sr=a&sig=b"},
		{"pair without value", "SharedAccessSignature sr=a&sig=b&se=1&bogus"},
		{"non-numeric expiry", "SharedAccessSignature sr=a&sig=b&se=soon"},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestTokenIsExpiredAtBoundary(t *testing.T) {
	tok, err := Parse(tokenString("a", "b", time.Now().Unix(), ""))
	require.NoError(t, err)
	// se is truncated to the current second, so it is at or before now.
	assert.True(t, tok.IsExpired())
}
